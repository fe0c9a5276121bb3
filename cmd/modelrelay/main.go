package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/budget"
	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/secrets"
	"github.com/modelrelay/modelrelay/internal/telemetry"
	"github.com/modelrelay/modelrelay/internal/usage"
)

const defaultConfigFile = "modelrelay.json"

func main() {
	if len(os.Args) < 2 {
		usageExit()
	}

	env, err := config.Load()
	if err != nil {
		slog.Error("failed to load environment", "error", err)
		os.Exit(1)
	}
	setupLogger(env.LogLevel)

	ctx := context.Background()

	command := os.Args[1]
	args := os.Args[2:]

	if err := run(ctx, env, command, args); err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, env *config.Env, command string, args []string) error {
	store := openStore(ctx, env)

	switch command {
	case "add-model":
		return cmdAddModel(store, args)
	case "toggle-model":
		return cmdToggleModel(store, args)
	case "list-models":
		return cmdListModels(ctx, store, args)
	case "add-routing-rule":
		return cmdAddRoutingRule(store, args)
	case "create-ab-test":
		return cmdCreateABTest(store, args)
	case "create-budget":
		return cmdCreateBudget(store, args)
	case "export-config":
		return cmdExportConfig(ctx, store, args)
	case "usage-report", "get-usage-report":
		return cmdUsageReport(ctx, env, args)
	case "status", "get-system-status":
		return withGateway(ctx, env, store, cmdStatus)
	case "complete":
		return completeCommand(ctx, env, store, args)
	default:
		usageExit()
		return nil
	}
}

func usageExit() {
	fmt.Fprintln(os.Stderr, `usage: modelrelay <command> [flags]

commands:
  add-model         register a model configuration
  toggle-model      activate or deactivate a model
  list-models       print all configured models
  add-routing-rule  register a routing rule
  create-ab-test    register an A/B test
  create-budget     register a budget
  export-config     print the configuration document as JSON
  usage-report      print a usage summary
  status            print the system status snapshot
  complete          run one completion request through the gateway`)
	os.Exit(2)
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openStore returns the file-backed configuration store, defaulting the
// path so repeated CLI invocations share state. The environment seeds the
// caching defaults; a caching_config section in the file takes precedence
// once loaded.
func openStore(_ context.Context, env *config.Env) *config.FileStore {
	path := env.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}
	store := config.NewFileStore(path, slog.Default())
	store.SetCaching(domain.CachingConfig{
		Capacity:   env.CacheCapacity,
		DefaultTTL: int(env.CacheDefaultTTL.Seconds()),
	})
	return store
}

// primaryKind maps SECRET_STORE_KIND to the store kind that must come up
// at startup. The env store is always available, so it is the default.
func primaryKind(kind string) string {
	switch kind {
	case "", "local-env", secrets.KindEnv:
		return secrets.KindEnv
	default:
		return kind
	}
}

// buildSecrets wires every secret store kind the environment supports and
// verifies the SECRET_STORE_KIND one is among them.
func buildSecrets(ctx context.Context, env *config.Env) (*secrets.Manager, error) {
	mgr, err := secrets.NewManager(secrets.DefaultKeyTTL)
	if err != nil {
		return nil, err
	}
	mgr.Register(secrets.KindEnv, secrets.NewEnvStore())

	if env.AWSRegion != "" {
		store, err := secrets.NewAWSStore(ctx, env.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("aws secret store: %w", err)
		}
		mgr.Register(secrets.KindAWS, store)
	}
	if env.VaultAddr != "" {
		store, err := secrets.NewVaultStore(secrets.VaultConfig{
			Address:  env.VaultAddr,
			Token:    os.Getenv("VAULT_TOKEN"),
			RoleID:   os.Getenv("VAULT_ROLE_ID"),
			SecretID: os.Getenv("VAULT_SECRET_ID"),
		})
		if err != nil {
			return nil, fmt.Errorf("vault secret store: %w", err)
		}
		mgr.Register(secrets.KindVault, store)
	}
	if env.SecretsFile != "" && env.EncryptionKey != "" {
		store, err := secrets.NewFileStore(env.SecretsFile, env.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encrypted file secret store: %w", err)
		}
		mgr.Register(secrets.KindEncryptedFile, store)
	}

	if kind := primaryKind(env.SecretStoreKind); !mgr.Has(kind) {
		return nil, fmt.Errorf("secret store kind %q is not configured", kind)
	}
	return mgr, nil
}

// buildSink picks the usage sink: Postgres when a database is configured,
// SQS when a queue is configured, in-memory otherwise.
func buildSink(ctx context.Context, env *config.Env) (usage.Sink, error) {
	if env.DatabaseURL != "" {
		db, err := usage.OpenPostgres(ctx, env.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return usage.NewPostgresSink(db), nil
	}
	if env.UsageQueueURL != "" {
		return usage.NewSQSSink(ctx, env.AWSRegion, env.UsageQueueURL)
	}
	return usage.NewMemorySink(), nil
}

func buildNotifier(ctx context.Context, env *config.Env) (notifications.Notifier, error) {
	if env.AlertTopicARN != "" {
		return notifications.NewSNSNotifier(ctx, env.AWSRegion, env.AlertTopicARN)
	}
	return notifications.NewInMemoryNotifier(), nil
}

// withGateway initializes a fully wired gateway, runs fn, and shuts down.
func withGateway(ctx context.Context, env *config.Env, store config.Store, fn func(ctx context.Context, g *gateway.Gateway) error) error {
	shutdownTelemetry, err := telemetry.Init(ctx, "modelrelay", env.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)

	secretsMgr, err := buildSecrets(ctx, env)
	if err != nil {
		return err
	}
	sink, err := buildSink(ctx, env)
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(ctx, env)
	if err != nil {
		return err
	}

	var responseCache cache.Store
	var dedup budget.AlertDeduplicator
	if env.RedisURL != "" {
		responseCache, err = cache.NewRedisStore(env.RedisURL)
		if err != nil {
			slog.Warn("redis cache unavailable, using in-memory", "error", err)
			responseCache = nil
		}
		dedup, err = budget.NewRedisDeduplicator(env.RedisURL, 24*time.Hour)
		if err != nil {
			slog.Warn("redis alert dedup unavailable, using in-memory", "error", err)
			dedup = nil
		}
	}

	g := gateway.New(gateway.Options{
		Store:           store,
		Secrets:         secretsMgr,
		Cache:           responseCache,
		Sink:            sink,
		Notifier:        notifier,
		Dedup:           dedup,
		Logger:          slog.Default(),
		Client:          httputil.StreamingClient(),
		HealthInterval:  env.HealthCheckInterval,
		RequestTimeout:  env.RequestTimeout,
		UsageFlushBatch: env.UsageFlushBatch,
	})
	if err := g.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	defer g.Shutdown(ctx)

	if fs, ok := store.(*config.FileStore); ok {
		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		fs.OnReload = func(domain.ExportDocument) { g.ReloadBudgets() }
		go func() {
			if err := fs.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("config watch stopped", "error", err)
			}
		}()
	}

	return fn(ctx, g)
}
