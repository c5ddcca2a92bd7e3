package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
	Upsert(ctx context.Context, info APIKeyInfo) error
}

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper. Only hashes
// are stored.
func HashAPIKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// role maps key scopes to the strongest role they grant.
func (k *APIKeyInfo) role() Role {
	if slices.Contains(k.Scopes, string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleCustomer
}

// hashMatches compares the stored hash with computed in constant time.
func (k *APIKeyInfo) hashMatches(computed string) bool {
	stored, err := hex.DecodeString(k.KeyHash)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(computed)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(stored, got) == 1
}
