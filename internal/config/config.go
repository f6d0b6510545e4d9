package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr     = ":3000"
	DefaultCookieMaxAge   = 24 * time.Hour
	DefaultCookieName     = "meshauth.sid"
	DefaultDatabaseDriver = "sqlite"
	DefaultDatabaseDsn    = "meshauth.db"
	DefaultSessionBackend = "database"
	DefaultMFAIssuer      = "MeshMonitor"
	DefaultLoginMax       = 5
	DefaultLoginWindow    = 15 * time.Minute
)

var (
	ErrIncompleteOIDCConfig = errors.New("oidc.issuer and oidc.clientID are required when oidc is enabled")
)

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Dsn             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"tablePrefix"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type SessionConfig struct {
	Backend        string        `mapstructure:"backend"`
	SessionMaxAge  time.Duration `mapstructure:"sessionMaxAge"`
	CookieName     string        `mapstructure:"cookieName"`
	CookieHttpOnly *bool         `mapstructure:"cookieHttpOnly"`
	CookieSecure   string        `mapstructure:"cookieSecure"` // auto, true or false
	CookieSameSite string        `mapstructure:"cookieSameSite"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type AuthConfig struct {
	BcryptCost       int  `mapstructure:"bcryptCost"`
	DisableLocalAuth bool `mapstructure:"disableLocalAuth"`
}

type OIDCConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Issuer          string   `mapstructure:"issuer"`
	ClientID        string   `mapstructure:"clientID"`
	ClientSecret    string   `mapstructure:"clientSecret"`
	RedirectURL     string   `mapstructure:"redirectURL"`
	Scopes          []string `mapstructure:"scopes"`
	AutoCreateUsers *bool    `mapstructure:"autoCreateUsers"`
}

type MFAConfig struct {
	Issuer string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	LoginMax    int           `mapstructure:"loginMax"`
	LoginWindow time.Duration `mapstructure:"loginWindow"`
}

type Config struct {
	Debug        bool            `mapstructure:"debug"`
	BaseURL      string          `mapstructure:"baseURL"`
	ListenAddr   string          `mapstructure:"listenAddr"`
	AllowOrigins []string        `mapstructure:"allowOrigins"`
	Database     DatabaseConfig  `mapstructure:"database"`
	Session      SessionConfig   `mapstructure:"session"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Auth         AuthConfig      `mapstructure:"auth"`
	OIDC         OIDCConfig      `mapstructure:"oidc"`
	MFA          MFAConfig       `mapstructure:"mfa"`
	RateLimit    RateLimitConfig `mapstructure:"rateLimit"`
}

// IsCookieSecure resolves session.cookieSecure. "auto" follows the scheme of
// baseURL.
func (c *Config) IsCookieSecure() bool {
	value := strings.ToLower(strings.TrimSpace(c.Session.CookieSecure))
	if value == "" || value == "auto" {
		return strings.HasPrefix(strings.ToLower(c.BaseURL), "https://")
	}
	return cast.ToBool(value)
}

func (c *Config) IsCookieHttpOnly() bool {
	return c.Session.CookieHttpOnly == nil || *c.Session.CookieHttpOnly
}

func (c *Config) IsOIDCAutoCreate() bool {
	return c.OIDC.AutoCreateUsers == nil || *c.OIDC.AutoCreateUsers
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.Dsn == "" && c.Database.Driver == DefaultDatabaseDriver {
		c.Database.Dsn = DefaultDatabaseDsn
	}
	if c.Session.Backend == "" {
		c.Session.Backend = DefaultSessionBackend
	}
	if c.Session.SessionMaxAge == 0 {
		c.Session.SessionMaxAge = DefaultCookieMaxAge
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultCookieName
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = DefaultMFAIssuer
	}
	if c.RateLimit.LoginMax <= 0 {
		c.RateLimit.LoginMax = DefaultLoginMax
	}
	if c.RateLimit.LoginWindow <= 0 {
		c.RateLimit.LoginWindow = DefaultLoginWindow
	}
	if len(c.OIDC.Scopes) == 0 {
		c.OIDC.Scopes = []string{"openid", "profile", "email"}
	}
	if c.OIDC.Enabled {
		if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" {
			return ErrIncompleteOIDCConfig
		}
		if c.OIDC.RedirectURL == "" {
			c.OIDC.RedirectURL = strings.TrimRight(c.BaseURL, "/") + "/api/auth/oidc/callback"
		}
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
