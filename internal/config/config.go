// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	PortalConfigs []PortalConfig        `mapstructure:"portals"`
	Keywords      []crawler.KeywordRule `mapstructure:"keywords"`
	Crawler       CrawlerConfig         `mapstructure:"crawler"`
	DB            DBConfig              `mapstructure:"db"`
	Export        ExportConfig          `mapstructure:"export"`
	PubSub        PubSubConfig          `mapstructure:"pubsub"`
	Server        ServerConfig          `mapstructure:"server"`
	Logging       LoggingConfig         `mapstructure:"logging"`

	// Path is the file the configuration was read from. Filter categories are
	// decoded from the same file by the filter package.
	Path string `mapstructure:"-"`
}

// PortalConfig is one entry of the portal list.
type PortalConfig struct {
	Name              string   `mapstructure:"name"`
	URL               string   `mapstructure:"url"`
	Engine            string   `mapstructure:"engine"`
	RequestsPerMinute *float64 `mapstructure:"requests_per_minute"`
	// RetryTimeout is expressed in minutes.
	RetryTimeout    *float64 `mapstructure:"retry_timeout"`
	MaxListingPages int      `mapstructure:"max_listing_pages"`
}

// CrawlerConfig governs fetch and harvest behaviour shared by all portals.
type CrawlerConfig struct {
	UserAgent           string  `mapstructure:"user_agent"`
	AcceptLanguage      string  `mapstructure:"accept_language"`
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	MaxListingPages     int     `mapstructure:"max_listing_pages"`
	Concurrency         int     `mapstructure:"concurrency"`
	BootstrapCookies    bool    `mapstructure:"bootstrap_cookies"`
	RefreshExisting     bool    `mapstructure:"refresh_existing"`
	RequestsPerMinute   float64 `mapstructure:"requests_per_minute"`
	RetryTimeoutMinutes float64 `mapstructure:"retry_timeout"`
}

// DBConfig selects and configures the advertisement store.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ExportConfig selects where exported documents are materialized.
type ExportConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for new-advertisement notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the read API.
type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	HarvestSchedule string `mapstructure:"harvest_schedule"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.user_agent", "Crawler")
	v.SetDefault("crawler.accept_language", "de-AT,de;q=0.9,en;q=0.5")
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.max_listing_pages", 0)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.bootstrap_cookies", true)
	v.SetDefault("crawler.refresh_existing", false)
	v.SetDefault("crawler.requests_per_minute", 1)
	v.SetDefault("crawler.retry_timeout", 15)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "crawler.db")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("export.backend", "local")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate enforces required values and reasonable limits. Per-portal and
// per-keyword problems are reported by Portals and by the keyword compiler so
// that one bad entry does not disable the others.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(c.DB.Path) == "" {
			return fmt.Errorf("db.path must be set for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.DB.DSN) == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RequestsPerMinute <= 0 {
		return fmt.Errorf("crawler.requests_per_minute must be > 0")
	}
	if c.Crawler.RetryTimeoutMinutes < 0 {
		return fmt.Errorf("crawler.retry_timeout must be >= 0")
	}
	switch c.Export.Backend {
	case "local":
	case "gcs":
		if c.Export.GCSBucket == "" {
			return fmt.Errorf("export.gcs_bucket must be set when export.backend is gcs")
		}
	default:
		return fmt.Errorf("export.backend must be local or gcs, got %q", c.Export.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Portals converts the portal list into runtime portals. Entries that fail
// validation are returned as ConfigurationErrors alongside the valid ones.
func (c Config) Portals() ([]crawler.Portal, []error) {
	var (
		portals []crawler.Portal
		errs    []error
		seen    = make(map[string]struct{}, len(c.PortalConfigs))
	)
	for i, pc := range c.PortalConfigs {
		entity := fmt.Sprintf("portals[%d]", i)
		if pc.Name != "" {
			entity = fmt.Sprintf("portal %q", pc.Name)
		}
		portal, err := c.portal(pc)
		if err == nil {
			if _, dup := seen[portal.Name]; dup {
				err = errors.New("duplicate portal name")
			}
		}
		if err != nil {
			errs = append(errs, &crawler.ConfigurationError{Entity: entity, Err: err})
			continue
		}
		seen[portal.Name] = struct{}{}
		portals = append(portals, portal)
	}
	return portals, errs
}

func (c Config) portal(pc PortalConfig) (crawler.Portal, error) {
	if strings.TrimSpace(pc.Name) == "" {
		return crawler.Portal{}, errors.New("name is required")
	}
	if strings.TrimSpace(pc.Engine) == "" {
		return crawler.Portal{}, errors.New("engine is required")
	}
	u, err := url.Parse(strings.TrimRight(pc.URL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Portal{}, fmt.Errorf("url %q must be an absolute http(s) URL", pc.URL)
	}
	rpm := c.Crawler.RequestsPerMinute
	if pc.RequestsPerMinute != nil {
		rpm = *pc.RequestsPerMinute
	}
	if rpm <= 0 {
		return crawler.Portal{}, fmt.Errorf("requests_per_minute must be > 0, got %v", rpm)
	}
	retry := c.Crawler.RetryTimeoutMinutes
	if pc.RetryTimeout != nil {
		retry = *pc.RetryTimeout
	}
	if retry < 0 {
		return crawler.Portal{}, fmt.Errorf("retry_timeout must be >= 0, got %v", retry)
	}
	pages := c.Crawler.MaxListingPages
	if pc.MaxListingPages > 0 {
		pages = pc.MaxListingPages
	}
	return crawler.Portal{
		Name:              pc.Name,
		URL:               u.String(),
		Engine:            pc.Engine,
		RequestsPerMinute: rpm,
		RetryTimeout:      time.Duration(retry * float64(time.Minute)),
		MaxListingPages:   pages,
	}, nil
}

// FetchTimeout converts the crawler timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
