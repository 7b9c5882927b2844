package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/config"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/migrate"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/ratelimit"
	"tenantcore.io/internal/store/memory"
	"tenantcore.io/internal/store/pg"
	"tenantcore.io/internal/tokens"
)

// backend is everything the services persist through.
type backend interface {
	credentials.Store
	membership.Store
	tokens.RefreshStore
	billing.Store
	entitlements.SubscriptionReader
	Ping(ctx context.Context) error
}

// openStore returns the Postgres store when a DSN is configured and the
// in-memory store otherwise. closeFn is never nil.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (backend, func() error, error) {
	if cfg.DSN == "" {
		obs.Logger().Warn("database.dsn not set; using in-memory store")
		return memory.New(), func() error { return nil }, nil
	}
	store, err := pg.Open(cfg.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.MigrateOnStart {
		mgr, err := migrate.NewManager(store.DB())
		if err == nil {
			err = mgr.Up(ctx)
		}
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, store.Close, nil
}

// loadKeys builds the signing key set. HMAC keys come first so a configured
// RSA key becomes the active one. Outside production an empty configuration
// gets a random key that dies with the process.
func loadKeys(cfg config.TokensConfig, production bool) (*tokens.KeySet, error) {
	var keys []tokens.Key
	for _, raw := range cfg.SigningKeys {
		version, secret, err := config.ParseSigningKey(raw)
		if err != nil {
			return nil, err
		}
		k, err := tokens.NewHMACKey(version, []byte(secret))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if cfg.RSAPrivateKeyFile != "" || cfg.RSAPublicKeyFile != "" {
		k, err := readRSAKey(cfg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		if production {
			return nil, errors.New("no signing keys configured")
		}
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		k, err := tokens.NewHMACKey("ephemeral", []byte(secret))
		if err != nil {
			return nil, err
		}
		obs.Logger().Warn("tokens.signing_keys not set; sessions will not survive a restart")
		keys = append(keys, k)
	}
	return tokens.NewKeySet(keys...)
}

func readRSAKey(cfg config.TokensConfig) (tokens.Key, error) {
	read := func(path string) (string, error) {
		if path == "" {
			return "", nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read rsa key: %w", err)
		}
		return string(b), nil
	}
	priv, err := read(cfg.RSAPrivateKeyFile)
	if err != nil {
		return tokens.Key{}, err
	}
	pub, err := read(cfg.RSAPublicKeyFile)
	if err != nil {
		return tokens.Key{}, err
	}
	version := cfg.RSAKeyVersion
	if version == "" {
		version = "rsa-1"
	}
	return tokens.NewRSAKey(version, priv, pub)
}

// webhookSecrets mirrors loadKeys for the billing signature secret.
func webhookSecrets(cfg config.BillingConfig, production bool) ([]string, error) {
	if len(cfg.WebhookSecrets) > 0 || production {
		return cfg.WebhookSecrets, nil
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	obs.Logger().Warn("billing.webhook_secrets not set; generated a secret no provider knows")
	return []string{secret}, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newLimiter picks the shared Redis window when Redis is configured and the
// in-process bucket otherwise. It returns a nil limiter when limiting is
// off. The Redis client, when opened, is returned for readiness checks.
func newLimiter(cfg config.Config) (ratelimit.Limiter, *ratelimit.Redis, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil, nil
	}
	if cfg.Redis.URL == "" {
		return ratelimit.NewLocal(cfg.RateLimit.RPS, cfg.RateLimit.Burst), nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rl := ratelimit.NewRedis(redis.NewClient(opts), cfg.RateLimit.Limit, cfg.RateLimit.Window, "tenantcore:ratelimit")
	return rl, rl, nil
}
