// Package config loads service settings from an optional YAML file, a .env
// file and TENANTCORE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "TENANTCORE"

var redisURL = regexp.MustCompile(`^rediss?://`)

const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Passwords PasswordsConfig `mapstructure:"passwords"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Guard     GuardConfig     `mapstructure:"guard"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr is the gRPC health listen address.
func (s ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig selects the store. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type TokensConfig struct {
	Issuer     string        `mapstructure:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
	Leeway     time.Duration `mapstructure:"leeway"`
	// SigningKeys are "version:secret" HS256 keys, oldest first. The last
	// one signs.
	SigningKeys []string `mapstructure:"signing_keys"`
	// RSA keys take precedence over HMAC keys for signing when configured.
	RSAKeyVersion     string        `mapstructure:"rsa_key_version"`
	RSAPrivateKeyFile string        `mapstructure:"rsa_private_key_file"`
	RSAPublicKeyFile  string        `mapstructure:"rsa_public_key_file"`
	KeyRetention      time.Duration `mapstructure:"key_retention"`
}

type PasswordsConfig struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
}

type BillingConfig struct {
	WebhookSecrets  []string      `mapstructure:"webhook_secrets"`
	Tolerance       time.Duration `mapstructure:"tolerance"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	RecentCacheSize int           `mapstructure:"recent_cache_size"`
	RecentCacheTTL  time.Duration `mapstructure:"recent_cache_ttl"`
}

type GuardConfig struct {
	StrictTimeout time.Duration `mapstructure:"strict_timeout"`
}

// RateLimitConfig bounds requests per client on /auth routes. Redis, when
// configured, enforces Limit per Window across instances; otherwise a token
// bucket of RPS and Burst runs in process.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

type JobsConfig struct {
	PurgeSchedule string `mapstructure:"purge_schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.environment", EnvDevelopment)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("log.level", "info")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 15*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("redis.url", "")

	v.SetDefault("tokens.issuer", "tenantcore")
	v.SetDefault("tokens.access_ttl", 15*time.Minute)
	v.SetDefault("tokens.refresh_ttl", 14*24*time.Hour)
	v.SetDefault("tokens.leeway", 5*time.Second)
	v.SetDefault("tokens.signing_keys", []string{})
	v.SetDefault("tokens.rsa_key_version", "")
	v.SetDefault("tokens.rsa_private_key_file", "")
	v.SetDefault("tokens.rsa_public_key_file", "")
	v.SetDefault("tokens.key_retention", 24*time.Hour)

	v.SetDefault("passwords.memory", 64*1024)
	v.SetDefault("passwords.iterations", 2)
	v.SetDefault("passwords.parallelism", 1)

	v.SetDefault("billing.webhook_secrets", []string{})
	v.SetDefault("billing.tolerance", 5*time.Minute)
	v.SetDefault("billing.grace_period", 7*24*time.Hour)
	v.SetDefault("billing.recent_cache_size", 4096)
	v.SetDefault("billing.recent_cache_ttl", 10*time.Minute)

	v.SetDefault("guard.strict_timeout", 2*time.Second)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("ratelimit.limit", 60)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "tenantcore")

	v.SetDefault("jobs.purge_schedule", "@every 1h")
}

// Load reads configuration. path names an optional YAML file; when empty,
// config.yaml is looked up in ./configs and the working directory and is
// skipped if absent.
func Load(path string) (*Config, error) {
	loadDotEnv()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv imports .env without overriding variables already set.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

func (c *Config) normalize() {
	c.Server.Environment = strings.ToLower(strings.TrimSpace(c.Server.Environment))
	c.Server.CORSOrigins = splitList(c.Server.CORSOrigins)
	c.Tokens.SigningKeys = splitList(c.Tokens.SigningKeys)
	c.Billing.WebhookSecrets = splitList(c.Billing.WebhookSecrets)
}

// splitList flattens comma separated entries, which is how lists arrive
// through a single environment variable.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// Validate checks ranges and, in production, that secrets are configured.
func (c *Config) Validate() error {
	err := validation.Errors{
		"server": validation.ValidateStruct(&c.Server,
			validation.Field(&c.Server.Host, validation.Required),
			validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&c.Server.GRPCPort, validation.Min(0), validation.Max(65535)),
			validation.Field(&c.Server.Environment, validation.In(EnvDevelopment, EnvTest, EnvProduction)),
			validation.Field(&c.Server.MaxBodyBytes, validation.Min(int64(1))),
		),
		"tokens": validation.ValidateStruct(&c.Tokens,
			validation.Field(&c.Tokens.Issuer, validation.Required),
			validation.Field(&c.Tokens.AccessTTL, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.Tokens.RefreshTTL, validation.Required, validation.By(longerThan(c.Tokens.AccessTTL))),
			validation.Field(&c.Tokens.SigningKeys, validation.Each(validation.By(signingKeyRule))),
		),
		"billing": validation.ValidateStruct(&c.Billing,
			validation.Field(&c.Billing.Tolerance, validation.Required),
			validation.Field(&c.Billing.GracePeriod, validation.Min(time.Duration(0))),
		),
		"guard": validation.ValidateStruct(&c.Guard,
			validation.Field(&c.Guard.StrictTimeout, validation.Required),
		),
		"redis": validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.URL, validation.Match(redisURL)),
		),
		"tracing": validation.ValidateStruct(&c.Tracing,
			validation.Field(&c.Tracing.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
		),
	}.Filter()
	if err != nil {
		return err
	}
	if c.IsProduction() {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateProduction() error {
	return validation.Errors{
		"database.dsn": validation.Validate(c.Database.DSN, validation.Required),
		"tokens.signing_keys": validation.Validate(c.Tokens.SigningKeys,
			validation.When(c.Tokens.RSAPrivateKeyFile == "", validation.Required)),
		"billing.webhook_secrets": validation.Validate(c.Billing.WebhookSecrets, validation.Required),
	}.Filter()
}

func longerThan(min time.Duration) validation.RuleFunc {
	return func(value any) error {
		if d, _ := value.(time.Duration); d <= min {
			return fmt.Errorf("must be longer than %s", min)
		}
		return nil
	}
}

func signingKeyRule(value any) error {
	s, _ := value.(string)
	_, _, err := ParseSigningKey(s)
	return err
}

// ParseSigningKey splits "version:secret".
func ParseSigningKey(s string) (version, secret string, err error) {
	version, secret, ok := strings.Cut(strings.TrimSpace(s), ":")
	version = strings.TrimSpace(version)
	if !ok || version == "" || secret == "" {
		return "", "", errors.New("signing key must look like version:secret")
	}
	return version, secret, nil
}
