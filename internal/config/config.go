// Package config loads the client configuration from a YAML file, KOPERASI_*
// environment variables and built-in defaults, in that order of precedence
// from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/dvcrn/koperasi-client/internal/credentials"
)

const (
	ProfileTenant     = "tenant"
	ProfileSuperAdmin = "superadmin"
)

type Config struct {
	Env      string                   `mapstructure:"env"`
	LogLevel string                   `mapstructure:"log_level"`
	Backend  BackendConfig            `mapstructure:"backend"`
	Refresh  RefreshConfig            `mapstructure:"refresh"`
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`
	Store    StoreConfig              `mapstructure:"store"`
	Proxy    ProxyConfig              `mapstructure:"proxy"`
	Sentry   SentryConfig             `mapstructure:"sentry"`
}

type BackendConfig struct {
	BaseURL *url.URL      `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RefreshConfig struct {
	// Timeout bounds a refresh call; on expiry the refresh counts as failed.
	Timeout   time.Duration   `mapstructure:"timeout"`
	Proactive ProactiveConfig `mapstructure:"proactive"`
}

type ProactiveConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Margin   time.Duration `mapstructure:"margin"`
}

type ProfileConfig struct {
	LoginPath      string   `mapstructure:"login_path"`
	RefreshPath    string   `mapstructure:"refresh_path"`
	PublicPrefixes []string `mapstructure:"public_prefixes"`
	// Namespace separates the stored tokens of different profiles.
	Namespace string `mapstructure:"namespace"`
}

type StoreConfig struct {
	Type  string      `mapstructure:"type"`
	Dir   string      `mapstructure:"dir"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string         `mapstructure:"addr"`
	Password RedactedString `mapstructure:"password"`
	DB       int            `mapstructure:"db"`
	Prefix   string         `mapstructure:"prefix"`
}

type ProxyConfig struct {
	Host     string         `mapstructure:"host"`
	Port     int            `mapstructure:"port"`
	AdminKey RedactedString `mapstructure:"admin_key"`
}

func (p ProxyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type SentryConfig struct {
	Dsn         RedactedString `mapstructure:"dsn"`
	Environment string         `mapstructure:"environment"`
	SampleRate  float64        `mapstructure:"sample_rate"`
}

func (s SentryConfig) Enabled() bool {
	return s.Dsn != ""
}

// DefaultProfiles are the two session kinds of the platform: tenant members
// and administrators, and the super-admin console.
func DefaultProfiles() map[string]ProfileConfig {
	return map[string]ProfileConfig{
		ProfileTenant: {
			LoginPath:   "/auth/login",
			RefreshPath: "/auth/refresh",
			PublicPrefixes: []string{
				"/auth/login",
				"/auth/refresh",
				"/auth/register",
				"/public",
				"/uploads",
			},
			Namespace: ProfileTenant,
		},
		ProfileSuperAdmin: {
			LoginPath:   "/super-admin/auth/login",
			RefreshPath: "/super-admin/auth/refresh",
			PublicPrefixes: []string{
				"/super-admin/auth/login",
				"/super-admin/auth/refresh",
				"/public",
			},
			Namespace: ProfileSuperAdmin,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend.base_url", "http://localhost:3000/api")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("refresh.timeout", "15s")
	v.SetDefault("refresh.proactive.enabled", false)
	v.SetDefault("refresh.proactive.interval", "1m")
	v.SetDefault("refresh.proactive.margin", "2m")
	v.SetDefault("store.type", credentials.StoreFS)
	v.SetDefault("store.dir", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", credentials.DefaultRedisPrefix)
	v.SetDefault("proxy.host", "127.0.0.1")
	v.SetDefault("proxy.port", 9880)
	v.SetDefault("proxy.admin_key", "")
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.sample_rate", 1.0)
}

// Load reads the configuration. path may be empty, in which case
// KOPERASI_CONFIG, the working directory and the XDG config directory are
// searched for koperasi.yaml; a missing file is not an error.
func Load(path string) (Config, error) {
	v := newViper()

	if path == "" {
		path = os.Getenv("KOPERASI_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("koperasi")
		v.AddConfigPath(".")
		if dir := credentials.DefaultConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// LoadReader reads YAML configuration from r, for builds without a
// filesystem. Environment overrides still apply.
func LoadReader(r io.Reader) (Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("KOPERASI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			parseStringAsURL(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Profiles = mergeProfiles(DefaultProfiles(), cfg.Profiles)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeProfiles fills unset profile fields from the defaults.
func mergeProfiles(defaults, configured map[string]ProfileConfig) map[string]ProfileConfig {
	out := make(map[string]ProfileConfig, len(defaults)+len(configured))
	for name, p := range defaults {
		out[name] = p
	}
	for name, p := range configured {
		base := out[name]
		if p.LoginPath != "" {
			base.LoginPath = p.LoginPath
		}
		if p.RefreshPath != "" {
			base.RefreshPath = p.RefreshPath
		}
		if len(p.PublicPrefixes) > 0 {
			base.PublicPrefixes = p.PublicPrefixes
		}
		if p.Namespace != "" {
			base.Namespace = p.Namespace
		}
		if base.Namespace == "" {
			base.Namespace = name
		}
		out[name] = base
	}
	return out
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == nil {
		return fmt.Errorf("backend.base_url must be set")
	}
	if c.Backend.BaseURL.Scheme != "http" && c.Backend.BaseURL.Scheme != "https" {
		return fmt.Errorf("backend.base_url must be an http(s) URL, got %q", c.Backend.BaseURL.String())
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("refresh.timeout must be positive")
	}
	if c.Refresh.Proactive.Enabled && c.Refresh.Proactive.Interval <= 0 {
		return fmt.Errorf("refresh.proactive.interval must be positive")
	}
	if !slices.Contains(credentials.StoreTypes, c.Store.Type) {
		return fmt.Errorf("store.type %q is not one of %v", c.Store.Type, credentials.StoreTypes)
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one profile must be configured")
	}
	namespaces := map[string]string{}
	for name, p := range c.Profiles {
		if p.RefreshPath == "" {
			return fmt.Errorf("profile %q: refresh_path must be set", name)
		}
		if other, ok := namespaces[p.Namespace]; ok {
			return fmt.Errorf("profiles %q and %q share the token namespace %q", other, name, p.Namespace)
		}
		namespaces[p.Namespace] = name
	}
	return nil
}

func parseStringAsURL() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(url.URL{}) {
			return data, nil
		}

		dataStr, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("cannot cast URL value to string")
		}
		if dataStr == "" {
			return nil, fmt.Errorf("empty values are not allowed for URLs")
		}
		return url.Parse(dataStr)
	}
}
