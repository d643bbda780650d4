package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/config"
	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/metrics"
)

func newHarvestCmd() *cobra.Command {
	var (
		portals     []string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvests new advertisements from the configured portals",
		Long: `Walks the listing pages of every configured portal, politely and at the
portal's configured rate, and stores each advertisement not seen before.
Portals run concurrently. A portal with a configuration problem is skipped
and reported; the command then exits non-zero.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()

			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, logger)
				defer stop()
			}

			selected, cfgErr := selectPortals(appInstance.Config(), portals)
			h, err := appInstance.Harvester(cmd.Context())
			if err != nil {
				return err
			}
			reports, runErr := h.HarvestAll(cmd.Context(), selected, appInstance.Config().Crawler.Concurrency)
			for _, r := range reports {
				logger.Info("portal harvested",
					zap.String("portal", r.Portal),
					zap.Int("stored", r.Stored),
					zap.Int("known", r.Known),
					zap.Int("skipped", r.Skipped),
					zap.Int("failed", r.Failed),
				)
			}
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			return errors.Join(cfgErr, runErr)
		},
	}
	cmd.Flags().StringSliceVar(&portals, "portal", nil, "harvest only the named portals (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while harvesting (e.g. :9090)")
	return cmd
}

func newCountCmd() *cobra.Command {
	var portals []string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Counts the advertisements each portal currently lists",
		Long: `Walks the listing pages of every configured portal at the configured rate
and reports how many distinct advertisements they link to. Nothing is
stored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			selected, cfgErr := selectPortals(appInstance.Config(), portals)
			h, err := appInstance.Harvester(cmd.Context())
			if err != nil {
				return err
			}

			counts := make(map[string]int, len(selected))
			errs := []error{cfgErr}
			for _, p := range selected {
				n, err := h.Count(cmd.Context(), p)
				if err != nil {
					errs = append(errs, fmt.Errorf("portal %s: %w", p.Name, err))
					continue
				}
				counts[p.Name] = n
				appInstance.Logger().Info("portal counted", zap.String("portal", p.Name), zap.Int("advertisements", n))
			}
			if err := printJSON(cmd.OutOrStdout(), counts); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVar(&portals, "portal", nil, "count only the named portals (repeatable)")
	return cmd
}

// selectPortals returns the valid configured portals, narrowed to names when
// given, and the joined configuration errors of the invalid ones. Errors of
// portals outside names are dropped.
func selectPortals(cfg config.Config, names []string) ([]crawler.Portal, error) {
	portals, errs := cfg.Portals()
	if len(names) == 0 {
		return portals, errors.Join(errs...)
	}

	var (
		picked []crawler.Portal
		kept   []error
	)
	for _, name := range names {
		entity := fmt.Sprintf("portal %q", name)
		found := false
		for _, p := range portals {
			if p.Name == name {
				picked = append(picked, p)
				found = true
			}
		}
		for _, err := range errs {
			var cfgErr *crawler.ConfigurationError
			if errors.As(err, &cfgErr) && cfgErr.Entity == entity {
				kept = append(kept, err)
				found = true
			}
		}
		if !found {
			kept = append(kept, &crawler.ConfigurationError{Entity: entity, Err: errors.New("not configured")})
		}
	}
	return picked, errors.Join(kept...)
}

// serveMetrics exposes the Prometheus handler on addr until the returned stop
// function is called.
func serveMetrics(addr string, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
