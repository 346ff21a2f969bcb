package directory

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/veilrelay/veilrelay/descriptor"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cache persists fetched directory state to disk, encrypted at rest
// (SPEC_FULL.md §4.2 "at-rest directory cache"). Unlike a public Tor
// consensus, this cache can hold a hidden service's own introduction
// point list, so — unlike the teacher's plaintext consensus.json cache —
// it is sealed with an AEAD before it touches disk.
//
// Grounded on teacher directory/cache.go's on-disk JSON cache shape
// (same file-per-kind layout, same "missing file = cache miss" contract),
// generalized from plaintext to encrypted storage.
type Cache struct {
	Dir string
	Key [32]byte // ChaCha20-Poly1305 key
}

// DefaultCacheDir returns ~/.veilrelay/cache.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".veilrelay", "cache")
}

// DeriveCacheKey derives a cache-encryption key from a local peer secret
// via HKDF-SHA256 (no passphrase involved — used when -cache-passphrase
// is not set).
func DeriveCacheKey(secret []byte) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, secret, nil, []byte("veilrelay-directory-cache"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive cache key: %w", err)
	}
	return key, nil
}

// DeriveCacheKeyFromPassphrase stretches an operator-supplied passphrase
// into a cache-encryption key with Argon2id, for peers started with
// -cache-passphrase so the on-disk cache survives across restarts without
// a stored secret file.
func DeriveCacheKeyFromPassphrase(passphrase string, salt [16]byte) [32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt[:], 1, 64*1024, 4, 32))
	return key
}

func (c *Cache) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cache AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate cache nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cache) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cache AEAD: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("cache file truncated")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt cache file: %w", err)
	}
	return pt, nil
}

func (c *Cache) writeFile(name string, v any) error {
	if c.Dir == "" {
		return fmt.Errorf("cache directory not configured")
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	sealed, err := c.seal(plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, name), sealed, 0600)
}

func (c *Cache) readFile(name string, v any) (bool, error) {
	if c.Dir == "" {
		return false, nil
	}
	sealed, err := os.ReadFile(filepath.Join(c.Dir, name))
	if err != nil {
		return false, nil // cache miss, not an error
	}
	plaintext, err := c.open(sealed)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return false, fmt.Errorf("decode cache entry: %w", err)
	}
	return true, nil
}

// SaveRelays writes the fetched relay descriptor list to the encrypted cache.
func (c *Cache) SaveRelays(relays []descriptor.RelayDescriptor) error {
	return c.writeFile("relays.enc", relays)
}

// LoadRelays reads a previously cached relay descriptor list, if any.
func (c *Cache) LoadRelays() ([]descriptor.RelayDescriptor, bool, error) {
	var relays []descriptor.RelayDescriptor
	ok, err := c.readFile("relays.enc", &relays)
	return relays, ok, err
}

// SaveUsers writes the fetched user descriptor list to the encrypted cache.
func (c *Cache) SaveUsers(users []descriptor.UserDescriptor) error {
	return c.writeFile("users.enc", users)
}

// LoadUsers reads a previously cached user descriptor list, if any.
func (c *Cache) LoadUsers() ([]descriptor.UserDescriptor, bool, error) {
	var users []descriptor.UserDescriptor
	ok, err := c.readFile("users.enc", &users)
	return users, ok, err
}
