package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/internal/config"
	"github.com/3leaps/jobtrail/internal/observability"
	"github.com/3leaps/jobtrail/pkg/bodystore"
	"github.com/3leaps/jobtrail/pkg/bodystore/file"
	bodys3 "github.com/3leaps/jobtrail/pkg/bodystore/s3"
	"github.com/3leaps/jobtrail/pkg/jobstore/sqlstore"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

// app is the per-command wiring of store, body store and manager.
type app struct {
	cfg     *config.Config
	store   *sqlstore.Store
	manager *workflow.Manager
	logger  *zap.Logger
}

func isURL(s string) bool {
	return strings.Contains(s, "://")
}

func openBodies(ctx context.Context, cfg config.BodiesConfig) (workflow.BodyStore, error) {
	switch cfg.Backend {
	case bodystore.BackendMemory:
		return bodystore.NewMemory(), nil
	case bodystore.BackendFile:
		st, err := file.New(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return st, nil
	case bodystore.BackendS3:
		st, err := bodys3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown body store backend %q", cfg.Backend)
	}
}

func openApp(ctx context.Context) (*app, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	logger := observability.CLILogger

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "open job store", err)
	}
	bodies, err := openBodies(ctx, cfg.Bodies)
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "open body store", err)
	}
	logger.Debug("Opened stores",
		zap.String("store", cfg.Store.Path),
		zap.String("bodies", string(cfg.Bodies.Backend)))

	mgr := workflow.NewManager(store, workflow.Options{
		Logger:       logger,
		Bodies:       bodies,
		MaxInstances: cfg.MaxInstances,
	})
	return &app{cfg: cfg, store: store, manager: mgr, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close job store", zap.Error(err))
	}
}
