package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/reply-optimizer/internal/model"
)

// ErrNotFound is returned when a credential ref has no stored secret.
var ErrNotFound = errors.New("credential not found")

// Resolver turns a credential reference into its secret value.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// Store reads and writes mailbox and AI secrets in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the system keyring, falling back to an
// encrypted file when no OS keyring is available.
func Open(cfg model.CredentialsConfig) (*Store, error) {
	password := cfg.FilePassword
	if password == "" {
		password = cfg.ServiceName + "-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a credential value by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Resolve implements Resolver. Empty secrets are treated as missing.
func (s *Store) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty credential ref: %w", ErrNotFound)
	}
	v, err := s.Get(ref)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("credential %q is empty: %w", ref, ErrNotFound)
	}
	return v, nil
}

// Set stores a credential value by key.
func (s *Store) Set(key string, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "reply-optimizer " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// MailboxKey returns the keyring key for a session's mailbox password.
func MailboxKey(sessionID string) string {
	return "mailbox:" + sessionID
}

// AIKey returns the keyring key for a session's AI API key.
func AIKey(sessionID string) string {
	return "ai:" + sessionID
}
