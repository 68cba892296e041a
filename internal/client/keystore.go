package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyStore persists one group key per room on local disk, so a room's key
// survives leaving and rejoining the room. It is the device-local analogue
// of browser local storage: losing the file only means the key must be
// re-bootstrapped from a peer.
type KeyStore struct {
	path string

	mu   sync.Mutex
	keys map[string]string
}

// NewKeyStore opens (or creates) the key file at path.
func NewKeyStore(path string) (*KeyStore, error) {
	s := &KeyStore{
		path: path,
		keys: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading key store: %w", err)
	}

	if err := json.Unmarshal(data, &s.keys); err != nil {
		return nil, fmt.Errorf("parsing key store %s: %w", path, err)
	}

	return s, nil
}

// Get returns the stored key for a room.
func (s *KeyStore) Get(room string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[room]
	return key, ok
}

// Set stores the key for a room and persists the store.
func (s *KeyStore) Set(room, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[room] = key
	return s.flush()
}

// Delete removes the key for a room and persists the store.
func (s *KeyStore) Delete(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, room)
	return s.flush()
}

// flush writes the key map atomically. Callers must hold s.mu.
func (s *KeyStore) flush() error {
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keys-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}
