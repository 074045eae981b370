package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	UIDLength  = 36
	SaltLength = 16
)

// Token is the parsed form of uid ‖ salt ‖ base64url(signature).
type Token struct {
	UID       string
	Salt      string
	Signature []byte
}

func signingDigest(uid, salt string) []byte {
	return crypto.Keccak256([]byte(uid + salt))
}

// CraftToken signs uid‖salt with the node's private key and returns the
// composite token placed in the connection URL.
func CraftToken(uid, salt string, key *ecdsa.PrivateKey) (string, error) {
	if len(uid) != UIDLength {
		return "", fmt.Errorf("uid must be %d characters, got %d", UIDLength, len(uid))
	}
	if len(salt) != SaltLength {
		return "", fmt.Errorf("salt must be %d characters, got %d", SaltLength, len(salt))
	}
	sig, err := crypto.Sign(signingDigest(uid, salt), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return uid + salt + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParseToken splits the fixed-width prefix off a token.
func ParseToken(token string) (Token, error) {
	if len(token) <= UIDLength+SaltLength {
		return Token{}, fmt.Errorf("token too short")
	}
	encoded := strings.TrimRight(token[UIDLength+SaltLength:], "=")
	sig, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Token{}, fmt.Errorf("invalid token signature encoding: %w", err)
	}
	return Token{
		UID:       token[:UIDLength],
		Salt:      token[UIDLength : UIDLength+SaltLength],
		Signature: sig,
	}, nil
}

// Verify checks the token's signature against pub. The recovery byte must
// recover pub as well, so every byte of the signature is covered.
func (t Token) Verify(pub *ecdsa.PublicKey) bool {
	if pub == nil || len(t.Signature) != crypto.SignatureLength {
		return false
	}
	digest := signingDigest(t.UID, t.Salt)
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest, t.Signature[:64]) {
		return false
	}
	recovered, err := crypto.SigToPub(digest, t.Signature)
	if err != nil {
		return false
	}
	return bytes.Equal(crypto.FromECDSAPub(recovered), crypto.FromECDSAPub(pub))
}

// TokenUID extracts the uid prefix without validating anything else.
func TokenUID(token string) string {
	if len(token) < UIDLength {
		return token
	}
	return token[:UIDLength]
}
