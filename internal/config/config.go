package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string          `yaml:"listen_addr"`
	InsecureDev bool            `yaml:"insecure_dev"`
	DB          DBConfig        `yaml:"db"`
	Envelopes   EnvelopesConfig `yaml:"envelopes"`
	Signing     SigningConfig   `yaml:"signing"`
	Auth        AuthConfig      `yaml:"auth"`
	Audit       AuditConfig     `yaml:"audit"`
	Redis       RedisConfig     `yaml:"redis"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	Log         LogConfig       `yaml:"log"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type EnvelopesConfig struct {
	Dir               string `yaml:"dir"`
	Lane              string `yaml:"lane"`
	Watch             bool   `yaml:"watch"`
	HeuristicMatch    bool   `yaml:"heuristic_match"`
	RequireSignatures bool   `yaml:"require_signatures"`
	// TrustedKeys maps a key id to a hex Ed25519 public key.
	TrustedKeys map[string]string `yaml:"trusted_keys"`
}

type SigningConfig struct {
	Provider  string `yaml:"provider"`
	KeyID     string `yaml:"key_id"`
	Seed      string `yaml:"seed"`
	KeyFile   string `yaml:"key_file"`
	KMSKeyID  string `yaml:"kms_key_id"`
	KMSRegion string `yaml:"kms_region"`
}

type AuthConfig struct {
	JWTSecret  string         `yaml:"jwt_secret"`
	APIKeysDSN string         `yaml:"api_keys_dsn"`
	APIKeys    []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig provisions a key without a database. Hash is the bcrypt
// hash printed by `ssi-cli hash-key`.
type APIKeyConfig struct {
	KeyID     string `yaml:"key_id"`
	Hash      string `yaml:"hash"`
	Prefix    string `yaml:"prefix"`
	TenantID  string `yaml:"tenant_id"`
	Role      string `yaml:"role"`
	Disabled  bool   `yaml:"disabled"`
	ExpiresAt string `yaml:"expires_at"`
}

type AuditConfig struct {
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxChainDepth int           `yaml:"max_chain_depth"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: ":4040",
		DB:         DBConfig{Driver: "memory"},
		Envelopes: EnvelopesConfig{
			Dir:               "envelopes",
			Lane:              "prod",
			Watch:             true,
			RequireSignatures: true,
		},
		Signing: SigningConfig{Provider: "seed", KeyID: "ssi-gateway"},
		Audit: AuditConfig{
			WriteTimeout:  2 * time.Second,
			MaxChainDepth: 1000,
		},
		Redis:     RedisConfig{LockTTL: 10 * time.Second},
		Kafka:     KafkaConfig{Topic: "ssi.audit"},
		Log:       LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "ssi-gateway"},
	}
}

// Load reads path over the defaults, expands ${VAR} references, applies
// environment overrides and validates. An empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with the environment supplied by lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}

		expanded := os.Expand(string(raw), func(key string) string {
			v, _ := lookup(key)
			return v
		})
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays the recognised environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SSI_LISTEN_ADDR", &c.ListenAddr)
	str("SIGNING_SEED", &c.Signing.Seed)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("ENVELOPE_LANE", &c.Envelopes.Lane)
	str("ENVELOPE_DIR", &c.Envelopes.Dir)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("LOG_LEVEL", &c.Log.Level)

	// Only the exact value "true" enables the insecure bypass.
	if v, ok := lookup("ENABLE_INSECURE_DEV"); ok {
		c.InsecureDev = v == "true"
	}
	if v, ok := lookup("REQUIRE_ENVELOPE_SIGNATURES"); ok {
		c.Envelopes.RequireSignatures = v != "false"
	}
	if v, ok := lookup("SSI_HOT_RELOAD"); ok {
		c.Envelopes.Watch = v != "false"
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.DB.DSN = v
		if c.DB.Driver == "" || c.DB.Driver == "memory" {
			c.DB.Driver = "postgres"
		}
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v, ok := lookup("AUDIT_WRITE_TIMEOUT_MS"); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUDIT_WRITE_TIMEOUT_MS: %w", err)
		}
		c.Audit.WriteTimeout = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// SignaturesRequired reports whether envelopes must carry a trusted
// signature to load. Only the prod lane enforces it.
func (c Config) SignaturesRequired() bool {
	return c.Envelopes.RequireSignatures && (c.Envelopes.Lane == "" || c.Envelopes.Lane == "prod")
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is %s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver %q: want memory, sqlite or postgres", c.DB.Driver)
	}

	switch c.Envelopes.Lane {
	case "", "dev", "staging", "prod":
	default:
		return fmt.Errorf("envelopes.lane %q: want dev, staging or prod", c.Envelopes.Lane)
	}
	if c.Envelopes.Dir == "" {
		return fmt.Errorf("envelopes.dir is required")
	}
	if c.SignaturesRequired() && len(c.Envelopes.TrustedKeys) == 0 {
		return fmt.Errorf("envelopes.trusted_keys is required when prod signatures are enforced (set REQUIRE_ENVELOPE_SIGNATURES=false to disable)")
	}

	switch c.Signing.Provider {
	case "", "seed":
	case "kms":
		if c.Signing.KMSKeyID == "" {
			return fmt.Errorf("signing.kms_key_id is required when signing.provider=kms")
		}
	default:
		return fmt.Errorf("signing.provider %q: want seed or kms", c.Signing.Provider)
	}

	for i, k := range c.Auth.APIKeys {
		if k.Hash == "" || k.Prefix == "" || k.TenantID == "" || k.Role == "" {
			return fmt.Errorf("auth.api_keys[%d]: hash, prefix, tenant_id and role are required", i)
		}
		if k.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, k.ExpiresAt); err != nil {
				return fmt.Errorf("auth.api_keys[%d].expires_at: %w", i, err)
			}
		}
	}

	if c.Audit.WriteTimeout < 0 {
		return fmt.Errorf("audit.write_timeout must not be negative")
	}
	if c.Audit.MaxChainDepth < 0 {
		return fmt.Errorf("audit.max_chain_depth must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}

	return nil
}
