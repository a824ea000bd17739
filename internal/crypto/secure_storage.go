package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("secure value not found")

// SecureStore is the platform key-value store for session secrets.
type SecureStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// FileStore keeps all values in one AES-GCM encrypted file whose key is
// derived from the machine identifier. Writes replace the file atomically.
type FileStore struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// NewFileStore opens (lazily) the encrypted store at path. An empty
// machineID uses the host's identifier.
func NewFileStore(path, machineID string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("secure store path not set")
	}
	if machineID == "" {
		machineID = MachineIdentifier()
	}
	key, err := DeriveKey(machineID, "secure-store")
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, key: key}, nil
}

func (s *FileStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(values)
}

func (s *FileStore) load() (map[string][]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secure store: %w", err)
	}
	plain, err := Decrypt(strings.TrimSpace(string(data)), s.key)
	if err != nil {
		return nil, fmt.Errorf("decrypt secure store: %w", err)
	}
	values := map[string][]byte{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("decode secure store: %w", err)
	}
	return values, nil
}

func (s *FileStore) save(values map[string][]byte) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode secure store: %w", err)
	}
	encrypted, err := Encrypt(plain, s.key)
	if err != nil {
		return fmt.Errorf("encrypt secure store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create secure directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write secure store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(encrypted); err != nil {
		tmp.Close()
		return fmt.Errorf("write secure store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write secure store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write secure store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace secure store: %w", err)
	}
	return nil
}

// MemoryStore is an in-process SecureStore for tests and the mobile bridge,
// where the platform keystore is reached through the host app.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// MachineIdentifier returns a platform-specific machine identifier.
func MachineIdentifier() string {
	if runtime.GOOS == "linux" {
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(p); err == nil && len(strings.TrimSpace(string(data))) > 0 {
				return "linux:" + strings.TrimSpace(string(data))
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
