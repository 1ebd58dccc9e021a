package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/quotagate/internal/config"
	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/service"
)

// loadValidatedConfig loads, defaults and validates the configuration.
func loadValidatedConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// quietLogger discards everything below warn so command output stays clean.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// openRegistry builds the registry the server would boot with: the state
// file snapshot when present plus the configured endpoints still missing.
// When persist is false the state file is only read.
func openRegistry(ctx context.Context, cfg *config.Config, statePath string, persist bool, logger *slog.Logger) (*service.AccessService, error) {
	registryOpts, err := registryOptions(cfg)
	if err != nil {
		return nil, err
	}
	snapshots := state.NewSnapshotStore(state.NewFileStateStore(statePath, logger))

	opts := []service.AccessOption{
		service.WithRegistryID(cfg.Access.RegistryID),
		service.WithRegistryOptions(registryOpts...),
	}
	if persist {
		opts = append(opts, service.WithSnapshotStore(snapshots))
	}
	svc := service.NewAccessService(logger, opts...)

	snap, err := snapshots.Load(ctx)
	switch {
	case errors.Is(err, access.ErrSnapshotNotFound):
	case err != nil:
		return nil, fmt.Errorf("load registry: %w", err)
	default:
		if err := svc.Restore(ctx, *snap); err != nil {
			return nil, err
		}
	}

	if _, err := svc.Seed(ctx, cfg.Descriptors()); err != nil {
		return nil, fmt.Errorf("seed endpoints: %w", err)
	}
	return svc, nil
}

// writeOutput writes data to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := w.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
