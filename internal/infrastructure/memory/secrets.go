package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/connector-orchestrator/internal/domain"
)

var _ domain.SecretsManager = (*SecretsManager)(nil)

// SecretsManager keeps tokens in process memory. Used for local runs and tests.
type SecretsManager struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewSecretsManager() *SecretsManager {
	return &SecretsManager{secrets: make(map[string]string)}
}

func (m *SecretsManager) StoreToken(_ context.Context, secretName, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[secretName] = token
	return nil
}

func (m *SecretsManager) GetToken(_ context.Context, secretName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.secrets[secretName]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", secretName, domain.ErrNotFound)
	}
	return token, nil
}

func (m *SecretsManager) DeleteToken(_ context.Context, secretName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[secretName]; !ok {
		return fmt.Errorf("secret %s: %w", secretName, domain.ErrNotFound)
	}
	delete(m.secrets, secretName)
	return nil
}
