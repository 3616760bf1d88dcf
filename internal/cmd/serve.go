package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/internal/config"
	"github.com/3leaps/jobtrail/internal/observability"
	"github.com/3leaps/jobtrail/internal/server"
	"github.com/3leaps/jobtrail/internal/server/handlers"
	"github.com/3leaps/jobtrail/pkg/batch"
	"github.com/3leaps/jobtrail/pkg/jobstore/sqlstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the jobtrail HTTP API",
	Long: `Serve the read API under /v1 plus /health and /version.

POST /v1/alive accepts batch reports in the same formats as 'jobtrail alive'.
With --alive-file the server also re-reads that file on an interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (default: server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default: server.port)")
	serveCmd.Flags().String("alive-file", "", "Batch reports file polled in the background")
	serveCmd.Flags().Duration("alive-interval", time.Minute, "Poll interval for --alive-file")
}

// storeHealthChecker pings the job database.
type storeHealthChecker struct {
	store *sqlstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not opened")
	}
	return c.store.DB().PingContext(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}
	aliveFile, _ := cmd.Flags().GetString("alive-file")
	aliveEvery, _ := cmd.Flags().GetDuration("alive-interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	updater := batch.NewUpdater(a.manager, batch.UpdaterOptions{
		Rate:   cfg.Alive.Rate,
		Burst:  cfg.Alive.Burst,
		Logger: a.logger.Named("alive"),
	})

	srv := server.New(host, port, server.Options{
		Manager: a.manager,
		Updater: updater,
		Version: versionInfo.Version,
		NBins:   cfg.Aggregate.NBins,
		Logger:  a.logger,
		Checkers: map[string]handlers.HealthChecker{
			"store": storeHealthChecker{store: a.store},
		},
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if aliveFile != "" {
		go pollAlive(ctx, a.logger, updater, batch.ReaderPoller{Path: aliveFile}, aliveEvery)
	}

	a.logger.Info("Starting server",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Bool("alive_poller", aliveFile != ""))
	return srv.Start(ctx)
}

func pollAlive(ctx context.Context, logger *zap.Logger, updater *batch.Updater, poller batch.Poller, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := updater.Run(ctx, poller); err != nil && ctx.Err() == nil {
			logger.Warn("Alive poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
