package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// VaultStore resolves references from a self-hosted HashiCorp Vault.
// The reference identifier is "path/to/secret#key"; the key defaults to
// "value" when omitted.
type VaultStore struct {
	client *vault.Client
}

// VaultConfig holds connection and AppRole login settings.
type VaultConfig struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault store requires a token or approle credentials")
	}

	return &VaultStore{client: client}, nil
}

func (s *VaultStore) GetSecret(ctx context.Context, ref domain.SecretRef) (string, error) {
	secretPath := ref.Identifier
	key := "value"
	if idx := strings.LastIndex(secretPath, "#"); idx != -1 {
		secretPath, key = secretPath[:idx], secretPath[idx+1:]
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	// KV v2 wraps the payload in a "data" map.
	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

func (s *VaultStore) HealthCheck(ctx context.Context) bool {
	health, err := s.client.Sys().HealthWithContext(ctx)
	return err == nil && health.Initialized && !health.Sealed
}
