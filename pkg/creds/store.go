// Package creds implements the credential store: a read-only lookup from
// host id to an authentication descriptor. Secrets live in the system
// keychain; the engine never persists or logs them.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

const keyringService = "sftpipe"

// ErrNotFound indicates no credentials are stored for the host
var ErrNotFound = errors.New("credentials not found")

// wireAuth is the keychain serialization of an auth descriptor. It exists
// because core.AuthDescriptor excludes secrets from JSON everywhere else.
type wireAuth struct {
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	UseAgent   bool   `json:"use_agent,omitempty"`
}

// KeyringStore resolves auth descriptors from the system keychain. It
// implements core.CredentialStore.
type KeyringStore struct{}

// NewKeyringStore creates a keychain-backed store
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

// Lookup returns the auth descriptor stored for a host id. A host with no
// stored entry falls back to an empty descriptor, which the transport
// resolves through the SSH agent and default key locations.
func (s *KeyringStore) Lookup(hostID string) (core.AuthDescriptor, error) {
	raw, err := keyring.Get(keyringService, hostID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return core.AuthDescriptor{}, nil
		}
		return core.AuthDescriptor{}, fmt.Errorf("keyring get %s: %w", hostID, err)
	}
	var w wireAuth
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return core.AuthDescriptor{}, fmt.Errorf("decode credentials for %s: %w", hostID, err)
	}
	return core.AuthDescriptor{
		Password:   w.Password,
		KeyPath:    w.KeyPath,
		Passphrase: w.Passphrase,
		UseAgent:   w.UseAgent,
	}, nil
}

// Store saves an auth descriptor for a host id. Used by the outer surface;
// the engine itself only reads.
func (s *KeyringStore) Store(hostID string, auth core.AuthDescriptor) error {
	raw, err := json.Marshal(wireAuth{
		Password:   auth.Password,
		KeyPath:    auth.KeyPath,
		Passphrase: auth.Passphrase,
		UseAgent:   auth.UseAgent,
	})
	if err != nil {
		return fmt.Errorf("encode credentials for %s: %w", hostID, err)
	}
	if err := keyring.Set(keyringService, hostID, string(raw)); err != nil {
		return fmt.Errorf("keyring set %s: %w", hostID, err)
	}
	return nil
}

// Delete removes a host's stored credentials
func (s *KeyringStore) Delete(hostID string) error {
	if err := keyring.Delete(keyringService, hostID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", hostID, err)
	}
	return nil
}

// MemoryStore is an in-memory credential store for tests and embedding
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]core.AuthDescriptor
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]core.AuthDescriptor)}
}

// Set stores a descriptor for a host id
func (s *MemoryStore) Set(hostID string, auth core.AuthDescriptor) {
	s.mu.Lock()
	s.creds[hostID] = auth
	s.mu.Unlock()
}

// Lookup returns the descriptor for a host id
func (s *MemoryStore) Lookup(hostID string) (core.AuthDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auth, ok := s.creds[hostID]
	if !ok {
		return core.AuthDescriptor{}, fmt.Errorf("host %s: %w", hostID, ErrNotFound)
	}
	return auth, nil
}
