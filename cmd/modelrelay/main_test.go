package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

func TestBuildSecretsDefaultKind(t *testing.T) {
	mgr, err := buildSecrets(context.Background(), &config.Env{SecretStoreKind: "local-env"})
	if err != nil {
		t.Fatalf("buildSecrets: %v", err)
	}
	if !mgr.Has(secrets.KindEnv) {
		t.Error("env store missing")
	}
}

func TestBuildSecretsRejectsUnconfiguredKind(t *testing.T) {
	// Vault is requested but VAULT_ADDR is unset, so no vault store comes up.
	_, err := buildSecrets(context.Background(), &config.Env{SecretStoreKind: secrets.KindVault})
	if err == nil {
		t.Fatal("unconfigured SECRET_STORE_KIND should fail at startup")
	}
}

func TestOpenStoreSeedsCachingFromEnv(t *testing.T) {
	env := &config.Env{
		ConfigFile:      filepath.Join(t.TempDir(), "config.json"),
		CacheCapacity:   2500,
		CacheDefaultTTL: 10 * time.Minute,
	}

	store := openStore(context.Background(), env)
	caching := store.Caching()
	if caching.Capacity != 2500 {
		t.Errorf("capacity = %d, want 2500", caching.Capacity)
	}
	if caching.DefaultTTL != 600 {
		t.Errorf("default ttl = %d, want 600 seconds", caching.DefaultTTL)
	}
}
