// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/clock/system"
	"github.com/JakeFAU/jobad-crawler/internal/config"
	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/jobad-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/jobad-crawler/internal/filter"
	"github.com/JakeFAU/jobad-crawler/internal/harvest"
	"github.com/JakeFAU/jobad-crawler/internal/id/uuid"
	"github.com/JakeFAU/jobad-crawler/internal/keyword"
	"github.com/JakeFAU/jobad-crawler/internal/logging"
	"github.com/JakeFAU/jobad-crawler/internal/metrics"
	"github.com/JakeFAU/jobad-crawler/internal/politeness"
	"github.com/JakeFAU/jobad-crawler/internal/progress"
	"github.com/JakeFAU/jobad-crawler/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/jobad-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/jobad-crawler/internal/storage/gcs"
	"github.com/JakeFAU/jobad-crawler/internal/storage/local"
	"github.com/JakeFAU/jobad-crawler/internal/store"
)

// The Prometheus progress sink registers on the default registry, so it is
// shared by every App built in the process.
var (
	promSinkOnce sync.Once
	promSink     *sinks.PrometheusSink
	promSinkErr  error
)

func prometheusSink() (*sinks.PrometheusSink, error) {
	promSinkOnce.Do(func() {
		promSink, promSinkErr = sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	})
	return promSink, promSinkErr
}

// Options are the command-line overrides applied on top of the config file.
type Options struct {
	ConfigPath string
	// Database replaces db.path for the sqlite driver when set.
	Database string
	LogLevel string
}

// App holds the shared, long-lived services. It is built once per command
// invocation and closed by the root command.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	store  crawler.Store

	mu        sync.Mutex
	hub       *progress.Hub
	publisher *pubsubpublisher.Publisher
	gcsClient *gcsstorage.Client
}

// New loads configuration, builds the logger and opens the store. It fails
// fast when any of them cannot be initialized.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.DB.Path = opts.Database
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics.Init()
	st, err := store.Open(ctx, cfg.DB, logger.Named("store"))
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("application services initialized",
		zap.String("config", cfg.Path),
		zap.String("db_driver", cfg.DB.Driver),
	)
	return &App{cfg: cfg, logger: logger, store: st}, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the advertisement store.
func (a *App) Store() crawler.Store { return a.store }

// Progress returns the harvest progress hub, started on first use. Events go
// to the log and to Prometheus.
func (a *App) Progress() (*progress.Hub, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hub != nil {
		return a.hub, nil
	}
	promSink, err := prometheusSink()
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("progress")), promSink)
	return a.hub, nil
}

// Publisher returns the Pub/Sub publisher for new-advertisement events, or nil
// when pubsub.project_id is not configured.
func (a *App) Publisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.publisher == nil {
		p, err := pubsubpublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = p
	}
	return a.publisher, nil
}

// Harvester wires a harvester to the store, a politeness controller and one
// colly fetcher per portal session.
func (a *App) Harvester(ctx context.Context) (*harvest.Harvester, error) {
	hub, err := a.Progress()
	if err != nil {
		return nil, err
	}
	publisher, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}

	cc := a.cfg.Crawler
	fetcherFor := func(portal string) crawler.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:      cc.UserAgent,
			AcceptLanguage: cc.AcceptLanguage,
			Timeout:        a.cfg.FetchTimeout(),
			Portal:         portal,
			Logger:         a.logger.Named("fetcher").With(zap.String("portal", portal)),
		})
	}
	clock := system.New()
	gate := politeness.New(politeness.Config{
		Fetcher:   fetcherFor("robots"),
		UserAgent: cc.UserAgent,
		Clock:     clock,
		Sleep:     clock.Sleep,
		Logger:    a.logger.Named("politeness"),
	})

	return harvest.New(harvest.Config{
		Store:     a.store,
		Gate:      gate,
		Fetchers:  func(p crawler.Portal) crawler.Fetcher { return fetcherFor(p.Name) },
		Publisher: publisher,
		Progress:  hub,
		Clock:     clock,
		IDs:       uuid.New(),
		Logger:    a.logger.Named("harvest"),
		Options: harvest.Options{
			MaxAttempts:      cc.MaxAttempts,
			MaxListingPages:  cc.MaxListingPages,
			BootstrapCookies: cc.BootstrapCookies,
			RefreshExisting:  cc.RefreshExisting,
			Topic:            a.cfg.PubSub.TopicName,
		},
	})
}

// Analyzer returns a keyword analyzer over the configured rules.
func (a *App) Analyzer() *keyword.Analyzer {
	return keyword.New(a.store, a.cfg.Keywords, a.logger.Named("keyword"))
}

// Filters loads the filter categories from the configuration file.
func (a *App) Filters() (*filter.Set, error) {
	if a.cfg.Path == "" {
		return nil, &crawler.ConfigurationError{Entity: "filters", Err: errors.New("a configuration file is required")}
	}
	return filter.Load(a.cfg.Path)
}

// BlobStore returns the export destination. root is the output directory for
// the local backend and the object prefix for GCS; export.prefix is used when
// root is empty.
func (a *App) BlobStore(ctx context.Context, root string) (crawler.BlobStore, error) {
	if strings.TrimSpace(root) == "" {
		root = a.cfg.Export.Prefix
	}
	switch a.cfg.Export.Backend {
	case "gcs":
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.gcsClient == nil {
			client, err := gcsstorage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("init gcs client: %w", err)
			}
			a.gcsClient = client
		}
		blobs, err := gcs.New(a.gcsClient, gcs.Config{Bucket: a.cfg.Export.GCSBucket, Prefix: root})
		if err != nil {
			return nil, err
		}
		return blobs, nil
	default:
		if root == "" {
			root = "export"
		}
		blobs, err := local.New(local.Config{BaseDir: root})
		if err != nil {
			return nil, err
		}
		return blobs, nil
	}
}

// Close shuts the services down. It is called once the command finishes.
func (a *App) Close(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("closing progress hub", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("closing pubsub publisher", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("closing gcs client", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
