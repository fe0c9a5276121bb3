package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/modelrelay/modelrelay/internal/crypto"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// FileStore resolves references from a JSON file whose values are AES-GCM
// encrypted. It is the second managed-store option for deployments without
// cloud vault access.
type FileStore struct {
	mu        sync.RWMutex
	path      string
	encryptor *crypto.Encryptor
	values    map[string]string // identifier -> encrypted value
}

func NewFileStore(path, encryptionKey string) (*FileStore, error) {
	s := &FileStore{
		path:      path,
		encryptor: crypto.NewEncryptor(encryptionKey),
		values:    make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return s, nil
}

func (s *FileStore) GetSecret(_ context.Context, ref domain.SecretRef) (string, error) {
	s.mu.RLock()
	encrypted, ok := s.values[ref.Identifier]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("secret %s not found", ref.Identifier)
	}

	value, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", ref.Identifier, err)
	}
	return value, nil
}

// SetSecret encrypts and stores a value, then persists the file.
func (s *FileStore) SetSecret(identifier, value string) error {
	encrypted, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", identifier, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[identifier] = encrypted

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *FileStore) HealthCheck(context.Context) bool {
	return true
}
