package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehr/ips/internal/platform/beer"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	EncryptionKey   string   `mapstructure:"IPS_ENCRYPTION_KEY"`
	ExposeKey       bool     `mapstructure:"IPS_EXPOSE_KEY"`
	QRByteLimit     int      `mapstructure:"IPS_QR_BYTE_LIMIT"`
	BeerDelimiter   string   `mapstructure:"IPS_BEER_DELIMITER"`
	MLLPAddr        string   `mapstructure:"MLLP_ADDR"`
	AuthSigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	BodyLimit       string   `mapstructure:"BODY_LIMIT"`
	MaxDecompressed int64    `mapstructure:"IPS_MAX_DECOMPRESSED"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"IPS_ENCRYPTION_KEY", "IPS_EXPOSE_KEY", "IPS_QR_BYTE_LIMIT", "IPS_BEER_DELIMITER",
	"MLLP_ADDR", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "BODY_LIMIT",
	"IPS_MAX_DECOMPRESSED",
}

// Load reads the environment and an optional .env file. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("IPS_QR_BYTE_LIMIT", 3000)
	v.SetDefault("IPS_BEER_DELIMITER", "newline")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("IPS_MAX_DECOMPRESSED", 16<<20)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development both the JWT signing key and the envelope key must be
// configured; only development falls back to an ephemeral envelope key.
func (c *Config) Validate() error {
	if c.EncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("IPS_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("IPS_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if !c.IsDev() && c.EncryptionKey == "" {
		return fmt.Errorf("IPS_ENCRYPTION_KEY is required outside development")
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.QRByteLimit <= 0 {
		return fmt.Errorf("IPS_QR_BYTE_LIMIT must be positive, got %d", c.QRByteLimit)
	}
	if c.MaxDecompressed <= 0 {
		return fmt.Errorf("IPS_MAX_DECOMPRESSED must be positive, got %d", c.MaxDecompressed)
	}
	if _, err := beer.ParseDelimiter(c.BeerDelimiter); err != nil {
		return fmt.Errorf("IPS_BEER_DELIMITER: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}

// HasDatabase reports whether persistence is configured.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}
