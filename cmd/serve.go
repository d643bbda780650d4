package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/api"
	"github.com/JakeFAU/jobad-crawler/internal/keyword"
)

func newServeCmd() *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the read API and runs scheduled harvests",
		Long: `Starts the HTTP API over the advertisement store. When a harvest schedule
is configured (server.harvest_schedule or --schedule, standard cron syntax)
every portal is harvested on that schedule, followed by an incremental
keyword analysis. A run still in progress when the next one is due is
skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = appInstance.Config().Server.HarvestSchedule
			}
			return runServer(cmd.Context(), appInstance, schedule)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule for harvest runs (overrides server.harvest_schedule)")
	return cmd
}

func runServer(ctx context.Context, appInstance App, schedule string) error {
	logger := appInstance.Logger()

	if schedule != "" {
		c := cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		), cron.WithLogger(cronLogger{logger}))
		if _, err := c.AddFunc(schedule, func() { scheduledRun(ctx, appInstance) }); err != nil {
			return fmt.Errorf("server.harvest_schedule %q: %w", schedule, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		logger.Info("harvest scheduled", zap.String("schedule", schedule))
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(appInstance.Config().Server.Port)),
		Handler:           api.NewServer(appInstance.Store(), logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		logger.Info("shutting down api")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

// scheduledRun harvests every valid portal and then analyzes what is new.
// Failures are logged; the next tick tries again.
func scheduledRun(ctx context.Context, appInstance App) {
	logger := appInstance.Logger().Named("schedule")
	portals, cfgErr := selectPortals(appInstance.Config(), nil)
	if cfgErr != nil {
		logger.Warn("skipping misconfigured portals", zap.Error(cfgErr))
	}
	h, err := appInstance.Harvester(ctx)
	if err != nil {
		logger.Error("scheduled harvest not started", zap.Error(err))
		return
	}
	reports, err := h.HarvestAll(ctx, portals, appInstance.Config().Crawler.Concurrency)
	stored := 0
	for _, r := range reports {
		stored += r.Stored
	}
	if err != nil {
		logger.Error("scheduled harvest finished with errors", zap.Int("stored", stored), zap.Error(err))
	} else {
		logger.Info("scheduled harvest finished", zap.Int("stored", stored))
	}
	if ctx.Err() != nil {
		return
	}

	summary, err := appInstance.Analyzer().Analyze(ctx, keyword.Options{})
	if err != nil {
		logger.Error("scheduled analysis reported errors", zap.Error(err))
	}
	logger.Info("scheduled analysis finished", zap.Int("analyzed", summary.Analyzed), zap.Int("matched", summary.Matched))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
