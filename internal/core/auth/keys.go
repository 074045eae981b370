package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateKey creates a new secp256k1 key pair for a node.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// ParsePrivateKey parses a hex encoded private key, with or without 0x.
func ParsePrivateKey(privKeyHex string) (*ecdsa.PrivateKey, error) {
	privKeyHex = strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	key, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey reads a hex encoded private key file.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParsePrivateKey(string(raw))
}

func EncodePrivateKey(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSA(key))
}

// EncodePublicKey renders the uncompressed public key as hex, the format
// stored in the key directory and the nodes table.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(pub))
}

func ParsePublicKey(pubKeyHex string) (*ecdsa.PublicKey, error) {
	pubKeyHex = strings.TrimPrefix(strings.TrimSpace(pubKeyHex), "0x")
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}
