// Package diskvstore persists the session credential on local disk.
//
// Every record lives under a single diskv key and is written whole through a
// temp file, so a reader never observes a half-written credential. When an
// encryption key is configured, records are sealed with XChaCha20-Poly1305.
package diskvstore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/peterbourgon/diskv/v3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	credentialKey = "credential"

	// cacheSizeMax max memory cache
	cacheSizeMax = 64 * 1024
)

var _ credentials.Store = (*Store)(nil)

// Store is a credentials.Store backed by diskv.
type Store struct {
	dv   *diskv.Diskv
	aead cipher.AEAD // nil means plaintext records

	lock sync.RWMutex // serializes read-modify-write sequences across keys
}

type Option func(*Store) error

// WithEncryptionKey enables at-rest encryption. hexKey must decode to 32 bytes.
// An empty key leaves the store in plaintext mode.
func WithEncryptionKey(hexKey string) Option {
	return func(s *Store) error {
		if hexKey == "" {
			return nil
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return errors.Wrap(err, "diskvstore: decoding encryption key")
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return errors.Wrap(err, "diskvstore: creating cipher")
		}
		s.aead = aead
		return nil
	}
}

// New opens (or creates) a store rooted at folder.
func New(folder string, options ...Option) (*Store, error) {
	if folder == "" {
		return nil, errors.New("diskvstore: folder is required")
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	s := &Store{
		dv: diskv.New(diskv.Options{
			BasePath:     folder,
			TempDir:      filepath.Join(folder, ".tmp"),
			Transform:    flatTransform,
			CacheSizeMax: cacheSizeMax,
			FilePerm:     0600,
			PathPerm:     0700,
		}),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the stored credential, or nil if none is stored.
func (s *Store) Get() (*credentials.Credential, error) {
	var credential credentials.Credential
	found, err := s.Load(credentialKey, &credential)
	if err != nil || !found {
		return nil, err
	}
	return &credential, nil
}

// Set replaces the stored credential with a single write.
func (s *Store) Set(credential *credentials.Credential) error {
	if credential == nil {
		return errors.New("diskvstore: nil credential")
	}
	return s.Put(credentialKey, credential)
}

// Clear removes the stored credential. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	return s.Delete(credentialKey)
}

// Put stores v as JSON under key. Used for auxiliary records such as the
// cached identity, which share the store's folder and encryption.
func (s *Store) Put(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "diskvstore: marshalling %s", key)
	}
	if payload, err = s.seal(payload); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	return errors.Wrapf(s.dv.Write(key, payload), "diskvstore: writing %s", key)
}

// Load decodes the record under key into v. It reports false when the key is absent.
func (s *Store) Load(key string, v any) (bool, error) {
	s.lock.RLock()
	if !s.dv.Has(key) {
		s.lock.RUnlock()
		return false, nil
	}
	payload, err := s.dv.Read(key)
	s.lock.RUnlock()
	if err != nil {
		return false, errors.Wrapf(err, "diskvstore: reading %s", key)
	}

	if payload, err = s.open(payload); err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, errors.Wrapf(err, "diskvstore: decoding %s", key)
	}
	return true, nil
}

// Delete removes key if present.
func (s *Store) Delete(key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.dv.Has(key) {
		return nil
	}
	return errors.Wrapf(s.dv.Erase(key), "diskvstore: erasing %s", key)
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	if s.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "diskvstore: generating nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(payload []byte) ([]byte, error) {
	if s.aead == nil {
		return payload, nil
	}
	if len(payload) < s.aead.NonceSize() {
		return nil, errors.New("diskvstore: sealed record too short")
	}
	nonce, ciphertext := payload[:s.aead.NonceSize()], payload[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "diskvstore: opening sealed record")
	}
	return plaintext, nil
}
