package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

const (
	nodeUID  = "e118857e-3732-4e58-aa9c-56685c6a6492"
	otherUID = "1d1f0545-2b60-488e-9419-d54b23bda47d"
)

type fixture struct {
	key        *ecdsa.PrivateKey
	challenges *ChallengeTable
	auth       *Authenticator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	key, err := GenerateKey()
	assert.NilError(t, err)
	other, err := GenerateKey()
	assert.NilError(t, err)

	challenges := NewChallengeTable(0)
	book := NewPhonebook(StaticKeys{nodeUID: &key.PublicKey, otherUID: &other.PublicKey}, challenges)
	return fixture{key: key, challenges: challenges, auth: NewAuthenticator(book, true, nil)}
}

func (f fixture) token(t *testing.T) string {
	t.Helper()
	salt, err := f.auth.IssueChallenge(nodeUID)
	assert.NilError(t, err)
	token, err := CraftToken(nodeUID, salt, f.key)
	assert.NilError(t, err)
	return token
}

func TestCraftedTokenVerifies(t *testing.T) {
	f := newFixture(t)
	uid, ok := f.auth.VerifyToken(f.token(t))
	assert.Assert(t, ok)
	assert.Equal(t, uid, nodeUID)
}

func TestTokenCannotBeReplayed(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)
	_, ok := f.auth.VerifyToken(token)
	assert.Assert(t, ok)
	_, ok = f.auth.VerifyToken(token)
	assert.Assert(t, !ok, "second use of the same salt must fail")
}

func TestSignatureByteMutationFails(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)
	parsed, err := ParseToken(token)
	assert.NilError(t, err)

	for i := range parsed.Signature {
		sig := append([]byte(nil), parsed.Signature...)
		sig[i] ^= 0x01
		mutated := token[:UIDLength+SaltLength] + base64.RawURLEncoding.EncodeToString(sig)
		_, ok := f.auth.VerifyToken(mutated)
		assert.Assert(t, !ok, "signature byte %d mutated but token verified", i)
	}

	_, ok := f.auth.VerifyToken(token)
	assert.Assert(t, ok, "rejections must not consume the salt")
}

func TestUIDAndSaltMutationFails(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	for _, i := range []int{0, 10, UIDLength - 1, UIDLength, UIDLength + SaltLength - 1} {
		b := []byte(token)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		_, ok := f.auth.VerifyToken(string(b))
		assert.Assert(t, !ok, "byte %d mutated but token verified", i)
	}
}

func TestTokenForOtherNodesKeyFails(t *testing.T) {
	f := newFixture(t)
	salt, err := f.auth.IssueChallenge(otherUID)
	assert.NilError(t, err)
	token, err := CraftToken(otherUID, salt, f.key)
	assert.NilError(t, err)
	_, ok := f.auth.VerifyToken(token)
	assert.Assert(t, !ok)
}

func TestDifferentStoredSaltFails(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)
	assert.NilError(t, f.challenges.SetClientSalt(nodeUID, "zzzzzzzzzzzzzzzz"))
	_, ok := f.auth.VerifyToken(token)
	assert.Assert(t, !ok)
}

func TestSelfChosenSaltFails(t *testing.T) {
	f := newFixture(t)
	token, err := CraftToken(nodeUID, "0123456789abcdef", f.key)
	assert.NilError(t, err)
	_, ok := f.auth.VerifyToken(token)
	assert.Assert(t, !ok)
}

func TestMalformedTokensFail(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "short", nodeUID, nodeUID + "0123456789abcdef", nodeUID + "0123456789abcdef!!!!"} {
		_, ok := f.auth.VerifyToken(token)
		assert.Assert(t, !ok, "token %q verified", token)
	}
}

func TestIssueChallengeUnknownNode(t *testing.T) {
	f := newFixture(t)
	_, err := f.auth.IssueChallenge("00000000-0000-0000-0000-000000000000")
	assert.Assert(t, errors.Is(err, ErrUnknownNode))
}

func TestInsecureModeAdmitsUID(t *testing.T) {
	a := NewAuthenticator(NewPhonebook(StaticKeys{}, NewChallengeTable(0)), false, nil)
	uid, ok := a.VerifyToken(nodeUID)
	assert.Assert(t, ok)
	assert.Equal(t, uid, nodeUID)

	_, err := a.IssueChallenge(nodeUID)
	assert.Assert(t, errors.Is(err, ErrPreauthDisabled))
}

func TestChallengeExpires(t *testing.T) {
	table := NewChallengeTable(time.Minute)
	now := time.Now()
	table.nowFn = func() time.Time { return now }
	assert.NilError(t, table.SetClientSalt(nodeUID, "abcdefghijklmnop"))

	table.nowFn = func() time.Time { return now.Add(2 * time.Minute) }
	salt, err := table.ClientSalt(nodeUID)
	assert.NilError(t, err)
	assert.Equal(t, salt, "")
	ok, err := table.ConsumeClientSalt(nodeUID, "abcdefghijklmnop")
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestNewSaltShape(t *testing.T) {
	salt, err := NewSalt()
	assert.NilError(t, err)
	assert.Equal(t, len(salt), SaltLength)
	for _, r := range salt {
		assert.Assert(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}
}

func TestKeyHexRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	assert.NilError(t, err)

	parsed, err := ParsePrivateKey("0x" + EncodePrivateKey(key))
	assert.NilError(t, err)
	assert.Assert(t, parsed.Equal(key))

	pub, err := ParsePublicKey(EncodePublicKey(&key.PublicKey))
	assert.NilError(t, err)
	assert.Equal(t, EncodePublicKey(pub), EncodePublicKey(&key.PublicKey))
}
