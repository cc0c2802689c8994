package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// Keys of the client-side persisted state. They are cleared together when the
// session can not be recovered.
const (
	KeyAccessToken              = "accessToken"
	KeyRefreshToken             = "refreshToken"
	KeyUser                     = "user"
	KeyPendingUser              = "pendingUser"
	KeyPendingVerificationEmail = "pendingVerificationEmail"
)

var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUser,
	KeyPendingUser,
	KeyPendingVerificationEmail,
}

// Storage is durable client-side key/value state.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(keys ...string) error
}

type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStorage) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// FileStorage keeps the values in a JSON file readable only by the owner.
// The file is rewritten on every change.
type FileStorage struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

var _ Storage = (*FileStorage)(nil)

func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	s := &FileStorage{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := sonic.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.save()
}

func (s *FileStorage) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return s.save()
}

func (s *FileStorage) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	data, err := sonic.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encoding storage: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}
