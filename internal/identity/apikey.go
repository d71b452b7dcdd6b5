package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"
)

// APIKeyHeader carries the raw key for KeyResolver. Raw keys have the form
// "<key id>.<secret>"; only the secret is hashed.
const APIKeyHeader = "X-API-Key"

// Key binds an identity to the argon2id hash of its API key secret.
type Key struct {
	ID       string `yaml:"id"`
	Identity string `yaml:"identity"`
	Hash     string `yaml:"hash"`
	Salt     string `yaml:"salt"`
}

// KeyResolver maps API keys to identities.
type KeyResolver struct {
	keys   map[string]Key
	verify func(secret, salt, hash string) (bool, error)
}

// NewKeyResolver validates keys and returns a resolver over them.
func NewKeyResolver(keys []Key) (*KeyResolver, error) {
	byID := make(map[string]Key, len(keys))
	for i, k := range keys {
		switch {
		case k.ID == "" || strings.Contains(k.ID, "."):
			return nil, fmt.Errorf("key %d: id must be non-empty and contain no '.'", i)
		case k.Identity == "":
			return nil, fmt.Errorf("key %d: empty identity", i)
		}
		if _, dup := byID[k.ID]; dup {
			return nil, fmt.Errorf("key %d: duplicate id %q", i, k.ID)
		}
		if _, err := base64.StdEncoding.DecodeString(k.Salt); err != nil {
			return nil, fmt.Errorf("key %d: failed to decode salt: %w", i, err)
		}
		if _, err := base64.StdEncoding.DecodeString(k.Hash); err != nil {
			return nil, fmt.Errorf("key %d: failed to decode hash: %w", i, err)
		}
		byID[k.ID] = k
	}
	return &KeyResolver{keys: byID, verify: verifyKey}, nil
}

func (kr *KeyResolver) Resolve(r *http.Request) (string, error) {
	raw := r.Header.Get(APIKeyHeader)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	id, secret, ok := strings.Cut(raw, ".")
	if !ok || secret == "" {
		return "", fmt.Errorf("%w: malformed API key", ErrUnauthenticated)
	}
	k, ok := kr.keys[id]
	if !ok {
		return "", fmt.Errorf("%w: unknown API key", ErrUnauthenticated)
	}
	match, err := kr.verify(secret, k.Salt, k.Hash)
	if err != nil {
		return "", err
	}
	if !match {
		return "", fmt.Errorf("%w: unknown API key", ErrUnauthenticated)
	}
	return k.Identity, nil
}

// NewKey generates a key for identity. It returns the entry to configure and
// the raw key to hand to the caller.
func NewKey(identity string) (Key, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return Key{}, "", err
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return Key{}, "", err
	}
	id := hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, salt, err := HashKey(secret)
	if err != nil {
		return Key{}, "", err
	}
	return Key{ID: id, Identity: identity, Hash: hash, Salt: salt}, id + "." + secret, nil
}

// HashKey generates a salted Argon2id hash of an API key secret.
func HashKey(secret string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)

	return base64.StdEncoding.EncodeToString(hash), base64.StdEncoding.EncodeToString(salt), nil
}

func verifyKey(secret, salt, hash string) (bool, error) {
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	decodedHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	comparisonHash := argon2.IDKey([]byte(secret), decodedSalt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1, nil
}
