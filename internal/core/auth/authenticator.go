package auth

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrPreauthDisabled = errors.New("auth: pre-auth is disabled")

// Authenticator issues challenges and verifies connection tokens against a
// Phonebook. With secure auth disabled every token is admitted under its uid
// prefix; that mode exists for local development only.
type Authenticator struct {
	book   Phonebook
	secure bool
	logger *slog.Logger
}

func NewAuthenticator(book Phonebook, secure bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if !secure {
		logger.Warn("SECURE AUTH DISABLED: every connection token is accepted without verification")
	}
	return &Authenticator{book: book, secure: secure, logger: logger}
}

func (a *Authenticator) Secure() bool { return a.secure }

// IssueChallenge stores and returns a fresh salt for uid.
func (a *Authenticator) IssueChallenge(uid string) (string, error) {
	if !a.secure {
		return "", ErrPreauthDisabled
	}
	if _, err := a.book.PublicKey(uid); err != nil {
		return "", err
	}
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	if err := a.book.SetClientSalt(uid, salt); err != nil {
		return "", fmt.Errorf("failed to store salt: %w", err)
	}
	a.logger.Debug("issued preauth challenge", "node", uid)
	return salt, nil
}

// VerifyToken returns the uid the token proves, and whether it is valid. A
// valid token consumes its salt, so it cannot be replayed.
func (a *Authenticator) VerifyToken(token string) (string, bool) {
	if !a.secure {
		uid := TokenUID(token)
		a.logger.Warn("admitting connection without verification (secure auth disabled)", "node", uid)
		return uid, uid != ""
	}

	t, err := ParseToken(token)
	if err != nil {
		a.logger.Warn("rejecting malformed token", "error", err)
		return TokenUID(token), false
	}

	pub, err := a.book.PublicKey(t.UID)
	if err != nil {
		a.logger.Warn("rejecting token", "node", t.UID, "error", err)
		return t.UID, false
	}

	stored, err := a.book.ClientSalt(t.UID)
	if err != nil {
		a.logger.Error("failed to read stored salt", "node", t.UID, "error", err)
		return t.UID, false
	}
	if !EqualSalt(stored, t.Salt) {
		a.logger.Warn("rejecting token: salt does not match outstanding challenge", "node", t.UID)
		return t.UID, false
	}

	if !t.Verify(pub) {
		a.logger.Warn("rejecting token: bad signature", "node", t.UID)
		return t.UID, false
	}

	consumed, err := a.book.ConsumeClientSalt(t.UID, t.Salt)
	if err != nil || !consumed {
		a.logger.Warn("rejecting token: salt already used", "node", t.UID, "error", err)
		return t.UID, false
	}
	return t.UID, true
}
