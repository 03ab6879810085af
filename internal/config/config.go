package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. PASSKEY_LISTEN_ADDR
const EnvPrefix = "PASSKEY"

// Config holds the service configuration
type Config struct {
	ListenAddr      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	PostgresDSN string
	RedisURL    string

	RPName    string
	RPIDs     []string
	RPOrigins []string

	ChallengeTTL    time.Duration
	RecoveryCodeTTL time.Duration
	FollowUpTTL     time.Duration
	AccessTTL       time.Duration
	RefreshTTL      time.Duration

	SigningKeyPEM    string
	AddressNamespace string

	CookieDomain string
	CookieSecure bool

	RPCURL           string
	SafeFactory      string
	SafeInitCodeHash string
	SafeSaltNonce    int64
	FundedThreshold  decimal.Decimal
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9000")
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("rp_name", "Passkey")
	v.SetDefault("rp_ids", "localhost")
	v.SetDefault("rp_origins", "http://localhost:9000")
	v.SetDefault("challenge_ttl", 5*time.Minute)
	v.SetDefault("recovery_code_ttl", 24*time.Hour)
	v.SetDefault("follow_up_ttl", 10*time.Minute)
	v.SetDefault("access_ttl", 15*time.Minute)
	v.SetDefault("refresh_ttl", 5*24*time.Hour)
	v.SetDefault("address_namespace", "passkey")
	v.SetDefault("cookie_secure", true)
	v.SetDefault("safe_salt_nonce", 0)
	v.SetDefault("funded_threshold", "0")
}

// Load reads configuration from the environment and, when path is set, a config file.
// Environment variables win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	threshold, err := decimal.NewFromString(v.GetString("funded_threshold"))
	if err != nil {
		return nil, fmt.Errorf("funded_threshold: %w", err)
	}

	cfg := &Config{
		ListenAddr:       v.GetString("listen_addr"),
		RequestTimeout:   v.GetDuration("request_timeout"),
		ShutdownTimeout:  v.GetDuration("shutdown_timeout"),
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		RedisURL:         v.GetString("redis_url"),
		RPName:           v.GetString("rp_name"),
		RPIDs:            list(v, "rp_ids"),
		RPOrigins:        list(v, "rp_origins"),
		ChallengeTTL:     v.GetDuration("challenge_ttl"),
		RecoveryCodeTTL:  v.GetDuration("recovery_code_ttl"),
		FollowUpTTL:      v.GetDuration("follow_up_ttl"),
		AccessTTL:        v.GetDuration("access_ttl"),
		RefreshTTL:       v.GetDuration("refresh_ttl"),
		SigningKeyPEM:    v.GetString("signing_key_pem"),
		AddressNamespace: v.GetString("address_namespace"),
		CookieDomain:     v.GetString("cookie_domain"),
		CookieSecure:     v.GetBool("cookie_secure"),
		RPCURL:           v.GetString("rpc_url"),
		SafeFactory:      v.GetString("safe_factory"),
		SafeInitCodeHash: v.GetString("safe_init_code_hash"),
		SafeSaltNonce:    v.GetInt64("safe_salt_nonce"),
		FundedThreshold:  threshold,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// list accepts either a YAML sequence or a comma separated string
func list(v *viper.Viper, key string) []string {
	raw := v.Get(key)
	var items []string
	switch val := raw.(type) {
	case string:
		items = strings.Split(val, ",")
	default:
		items = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// WalletEnabled reports whether smart-wallet derivation is configured
func (c *Config) WalletEnabled() bool {
	return c.SafeFactory != "" && c.SafeInitCodeHash != ""
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if len(c.RPIDs) == 0 {
		errs = append(errs, errors.New("rp_ids must name at least one relying party"))
	}
	if len(c.RPOrigins) == 0 {
		errs = append(errs, errors.New("rp_origins must name at least one origin"))
	}
	for _, origin := range c.RPOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("rp_origins: %q is not an absolute origin", origin))
		}
	}
	for name, ttl := range map[string]time.Duration{
		"challenge_ttl":     c.ChallengeTTL,
		"recovery_code_ttl": c.RecoveryCodeTTL,
		"follow_up_ttl":     c.FollowUpTTL,
		"access_ttl":        c.AccessTTL,
		"refresh_ttl":       c.RefreshTTL,
	} {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if (c.SafeFactory == "") != (c.SafeInitCodeHash == "") {
		errs = append(errs, errors.New("safe_factory and safe_init_code_hash must be set together"))
	}
	if c.FundedThreshold.IsNegative() {
		errs = append(errs, errors.New("funded_threshold must not be negative"))
	}

	return errors.Join(errs...)
}
