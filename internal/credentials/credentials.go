// Package credentials generates and hashes the two kinds of bearer tokens:
// executor tokens (SHA-256, looked up directly by hash) and user API keys
// (looked up by prefix, verified with bcrypt).
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefixLen is the number of leading characters of an API key stored
	// in clear for lookup.
	KeyPrefixLen = 8

	executorTokenLen = 32
	apiKeyTokenLen   = 40
	apiKeyPrefix     = "ipk_"
	alphabet         = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// APIKey is a freshly generated user key. Raw is shown once; only Hash and
// Prefix are persisted.
type APIKey struct {
	Raw    string
	Prefix string
	Hash   string
}

// NewExecutorToken returns a random 32-character alphanumeric token.
func NewExecutorToken() (string, error) {
	return randomString(executorTokenLen)
}

// HashExecutorToken returns the hex SHA-256 of token, the form stored in
// executors.token_hash.
func HashExecutorToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey generates a user API key and its bcrypt hash.
func NewAPIKey() (*APIKey, error) {
	body, err := randomString(apiKeyTokenLen)
	if err != nil {
		return nil, err
	}
	raw := apiKeyPrefix + body
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	return &APIKey{Raw: raw, Prefix: raw[:KeyPrefixLen], Hash: string(hash)}, nil
}

// VerifyAPIKey reports whether raw matches the stored bcrypt hash.
func VerifyAPIKey(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}
