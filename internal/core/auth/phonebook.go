package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var ErrUnknownNode = errors.New("auth: unknown node")

// KeyStore resolves a node's public key. Unknown nodes return ErrUnknownNode.
type KeyStore interface {
	PublicKey(uid string) (*ecdsa.PublicKey, error)
}

// ChallengeStore keeps the outstanding preauth salt per node.
type ChallengeStore interface {
	SetClientSalt(uid, salt string) error
	ClientSalt(uid string) (string, error)
	// ConsumeClientSalt removes the stored salt if it equals salt and
	// reports whether it did, atomically.
	ConsumeClientSalt(uid, salt string) (bool, error)
}

// Phonebook is everything the handshake needs to know about nodes.
type Phonebook interface {
	KeyStore
	ChallengeStore
}

type phonebook struct {
	KeyStore
	ChallengeStore
}

// NewPhonebook combines a key source with a challenge store.
func NewPhonebook(keys KeyStore, challenges ChallengeStore) Phonebook {
	return phonebook{KeyStore: keys, ChallengeStore: challenges}
}

// StaticKeys is a fixed in-memory KeyStore.
type StaticKeys map[string]*ecdsa.PublicKey

func (k StaticKeys) PublicKey(uid string) (*ecdsa.PublicKey, error) {
	pub, ok := k[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, uid)
	}
	return pub, nil
}

type challenge struct {
	salt     string
	issuedAt time.Time
}

// ChallengeTable is an in-memory ChallengeStore. Salts older than ttl are
// treated as absent; a zero ttl keeps them until consumed or replaced.
type ChallengeTable struct {
	mu      sync.Mutex
	entries map[string]challenge
	ttl     time.Duration
	nowFn   func() time.Time
}

func NewChallengeTable(ttl time.Duration) *ChallengeTable {
	return &ChallengeTable{
		entries: make(map[string]challenge),
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

func (c *ChallengeTable) SetClientSalt(uid, salt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uid] = challenge{salt: salt, issuedAt: c.nowFn()}
	return nil
}

func (c *ChallengeTable) ClientSalt(uid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(uid)
	if !ok {
		return "", nil
	}
	return entry.salt, nil
}

func (c *ChallengeTable) ConsumeClientSalt(uid, salt string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(uid)
	if !ok || !EqualSalt(entry.salt, salt) {
		return false, nil
	}
	delete(c.entries, uid)
	return true, nil
}

// lookup must be called with mu held.
func (c *ChallengeTable) lookup(uid string) (challenge, bool) {
	entry, ok := c.entries[uid]
	if !ok {
		return challenge{}, false
	}
	if c.ttl > 0 && c.nowFn().Sub(entry.issuedAt) > c.ttl {
		delete(c.entries, uid)
		return challenge{}, false
	}
	return entry, true
}

// EqualSalt compares salts in constant time.
func EqualSalt(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

const saltAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewSalt returns a random alphanumeric salt of SaltLength characters.
func NewSalt() (string, error) {
	out := make([]byte, SaltLength)
	max := big.NewInt(int64(len(saltAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		out[i] = saltAlphabet[n.Int64()]
	}
	return string(out), nil
}
