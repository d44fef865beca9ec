package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "GATEKEEPER"

type HTTPConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// LoginRate and LoginBurst bound login attempts per client IP.
	LoginRate  float64
	LoginBurst int
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For
	// header is honoured. Empty means the peer address is always used.
	TrustedProxies []string
}

type GRPCConfig struct {
	Addr string
}

type PostgresConfig struct {
	DSN string
}

type TokenConfig struct {
	SigningSecret string
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type BootstrapConfig struct {
	AdminUsername string
	AdminPassword string
}

type JobsConfig struct {
	PurgeSchedule  string
	PurgeRetention time.Duration
}

type AppConfig struct {
	Environment      string
	LogLevel         string
	Version          string
	HTTP             HTTPConfig
	GRPC             GRPCConfig
	Postgres         PostgresConfig
	Tokens           TokenConfig
	Bootstrap        BootstrapConfig
	Jobs             JobsConfig
	AllowCORSOrigins []string
}

// Load reads config.yaml (when present) and GATEKEEPER_* environment
// variables over the defaults, then validates the result.
func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("loglevel", "info")
	v.SetDefault("version", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readtimeout", "15s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.loginrate", 5)
	v.SetDefault("http.loginburst", 10)
	v.SetDefault("http.trustedproxies", []string{})

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("tokens.signingsecret", "")
	v.SetDefault("tokens.privatekeypem", "")
	v.SetDefault("tokens.publickeypem", "")
	v.SetDefault("tokens.keyid", "")
	v.SetDefault("tokens.issuer", "gatekeeper")
	v.SetDefault("tokens.audience", "gatekeeper-clients")
	v.SetDefault("tokens.accessttl", "15m")
	v.SetDefault("tokens.refreshttl", "168h")

	v.SetDefault("bootstrap.adminusername", "")
	v.SetDefault("bootstrap.adminpassword", "")

	v.SetDefault("jobs.purgeschedule", "@every 1h")
	v.SetDefault("jobs.purgeretention", "720h")

	v.SetDefault("allowcorsorigins", []string{})
}

// Validate checks values that would otherwise fail later at startup.
func (c *AppConfig) Validate() error {
	var problems []string
	switch {
	case c.Tokens.PrivateKeyPEM != "" || c.Tokens.PublicKeyPEM != "":
		if c.Tokens.PrivateKeyPEM == "" || c.Tokens.PublicKeyPEM == "" {
			problems = append(problems, "tokens: both private and public keys are required for RS256")
		}
	case len(c.Tokens.SigningSecret) < 32:
		problems = append(problems, "tokens: signing secret must be at least 32 bytes")
	}
	if c.Tokens.AccessTTL <= 0 {
		problems = append(problems, "tokens: access ttl must be positive")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		problems = append(problems, "tokens: refresh ttl must exceed access ttl")
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, "http: addr is required")
	}
	if c.HTTP.LoginRate <= 0 || c.HTTP.LoginBurst <= 0 {
		problems = append(problems, "http: login rate and burst must be positive")
	}
	for _, p := range c.HTTP.TrustedProxies {
		if !validProxy(p) {
			problems = append(problems, fmt.Sprintf("http: trusted proxy %q is not an address or CIDR", p))
		}
	}
	if c.Jobs.PurgeRetention < 0 {
		problems = append(problems, "jobs: purge retention must not be negative")
	}
	if (c.Bootstrap.AdminUsername == "") != (c.Bootstrap.AdminPassword == "") {
		problems = append(problems, "bootstrap: admin username and password go together")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func (c *AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
