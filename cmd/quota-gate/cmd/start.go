package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/quotagate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/quotagate/internal/adapter/inbound/http"
	auditadapter "github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/redis"
	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/quotagate/internal/config"
	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/audit"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/quotagate/internal/service"
	"github.com/Sentinel-Gate/quotagate/internal/tracing"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the admission server",
	Long: `Start the quota-gate admission server.

Every path outside /admin/, /health and /metrics is an admission check for
a reverse proxy. The original method and URI are read from
X-Original-Method and X-Original-URI, the actor from X-Actor-ID and the
tier from X-Actor-Tier. Allowed requests get 200, exhausted quotas 429
with Retry-After.

Examples:
  # Start with config file settings
  quota-gate start

  # Start with sample endpoints and debug logging
  quota-gate start --dev

  # Start with a specific config file
  quota-gate --config /path/to/quota-gate.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, sample endpoints)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	statePath := resolveStatePath(cfg)

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, statePath, logger); err != nil {
		return err
	}

	logger.Info("quota-gate stopped")
	return nil
}

// newLogger builds the stderr logger. DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", level.String())
	return logger
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, statePath string, logger *slog.Logger) error {
	startTime := time.Now().UTC()

	shutdownTracer, err := tracing.InitTracer(logger, cfg.Tracing.Enabled, "quota-gate", os.Stderr)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	eventBus := memory.NewEventBus(logger)

	// Audit journal: every domain event becomes one record.
	auditStore, err := createAuditStore(cfg, logger)
	if err != nil {
		return err
	}
	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(config.ParseDuration(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(config.ParseDuration(cfg.Audit.SendTimeout, 100*time.Millisecond)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer func() {
		auditService.Stop()
		if err := auditStore.Close(); err != nil {
			logger.Warn("audit store close failed", "error", err)
		}
	}()
	eventBus.SubscribeAll(auditService.HandleEvent)

	statsService := service.NewStatsService()
	eventBus.SubscribeAll(statsService.HandleEvent)

	// Access-log archive: admitted requests copied to the configured backend.
	archiveStore, err := createArchiveStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	archiveService := service.NewArchiveService(archiveStore, logger,
		service.WithArchiveQueue(cfg.AccessLog.QueueSize),
		service.WithArchiveRetention(
			config.ParseDuration(cfg.AccessLog.Retention, 24*time.Hour),
			config.ParseDuration(cfg.AccessLog.CleanupInterval, 5*time.Minute),
		),
	)
	archiveService.Start(ctx)
	defer func() {
		if err := archiveService.Stop(); err != nil {
			logger.Warn("access archive close failed", "error", err)
		}
	}()
	eventBus.Subscribe(event.NameAccessRecorded, archiveService.HandleEvent)

	accessService, err := buildAccessService(ctx, cfg, statePath, eventBus, logger)
	if err != nil {
		return err
	}
	accessService.StartCleanup(ctx)
	defer accessService.Stop()

	serverOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithShutdownTimeout(config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second)),
		http.WithHealthChecker(http.NewHealthChecker(accessService, auditService, archiveService, Version)),
		http.WithErrorRecorder(statsService),
	}

	if cfg.Admin.Enabled {
		apiHandler := admin.NewAdminAPIHandler(
			admin.WithAccessService(accessService),
			admin.WithAuditService(auditService),
			admin.WithAuditReader(auditStore),
			admin.WithStatsService(statsService),
			admin.WithArchiveService(archiveService),
			admin.WithAPIKeyHash(cfg.Admin.APIKeyHash),
			admin.WithRatePerMinute(cfg.Admin.RatePerMinute),
			admin.WithAPILogger(logger),
			admin.WithBuildInfo(&admin.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}),
			admin.WithStartTime(startTime),
		)
		serverOpts = append(serverOpts, http.WithAdminHandler(apiHandler.Routes()))
		if cfg.Admin.APIKeyHash == "" {
			logger.Info("admin API restricted to localhost (no admin.api_key_hash)")
		}
	}

	printBanner(Version, cfg, accessService)

	server := http.NewServer(accessService, serverOpts...)
	logger.Info("admission server listening", "addr", cfg.Server.HTTPAddr)
	return server.Start(ctx)
}

// buildAccessService creates the sharded registry, restores state.json when
// present and seeds the configured endpoints that are still missing.
func buildAccessService(ctx context.Context, cfg *config.Config, statePath string, pub event.Publisher, logger *slog.Logger) (*service.AccessService, error) {
	registryOpts, err := registryOptions(cfg)
	if err != nil {
		return nil, err
	}

	var snapshots access.Store
	switch cfg.State.Backend {
	case "memory":
		snapshots = memory.NewRegistryStore()
		statePath = "(memory)"
	default:
		snapshots = state.NewSnapshotStore(state.NewFileStateStore(statePath, logger))
	}

	accessService := service.NewAccessService(logger,
		service.WithRegistryID(cfg.Access.RegistryID),
		service.WithShards(cfg.Access.Shards),
		service.WithRegistryOptions(registryOpts...),
		service.WithSnapshotStore(snapshots),
		service.WithPublisher(pub),
		service.WithLogRetention(
			config.ParseDuration(cfg.Access.Retention, 10*time.Minute),
			config.ParseDuration(cfg.Access.CleanupInterval, time.Minute),
		),
	)

	restored, err := accessService.Load(ctx)
	if err != nil {
		return nil, err
	}
	added, err := accessService.Seed(ctx, cfg.Descriptors())
	if err != nil {
		return nil, fmt.Errorf("seed endpoints: %w", err)
	}
	logger.Info("registry ready",
		"registry_id", accessService.RegistryID(),
		"restored", restored,
		"seeded", added,
		"endpoints", len(accessService.Endpoints()),
		"state", statePath,
	)
	return accessService, nil
}

// registryOptions converts the access section into registry options.
func registryOptions(cfg *config.Config) ([]access.RegistryOption, error) {
	policy, err := ratelimit.ParseWindowPolicy(cfg.Access.WindowPolicy)
	if err != nil {
		return nil, fmt.Errorf("access.window_policy: %w", err)
	}
	limits, err := cfg.DefaultLimitSpecs()
	if err != nil {
		return nil, err
	}
	return []access.RegistryOption{
		access.WithWindowPolicy(policy),
		access.WithDefaultLimits(limits),
	}, nil
}

// auditBackend is an audit sink that can also serve the admin API.
type auditBackend interface {
	audit.Store
	audit.QueryStore
}

// createAuditStore creates the audit store for audit.output.
func createAuditStore(cfg *config.Config, logger *slog.Logger) (auditBackend, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		logger.Debug("audit output: stdout", "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStore(cfg.Audit.BufferSize), nil

	case cfg.Audit.Output == "none":
		logger.Debug("audit output: memory only", "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStoreWithWriter(nil, cfg.Audit.BufferSize), nil

	case strings.HasPrefix(cfg.Audit.Output, "file://"):
		path := parseFileURI(cfg.Audit.Output)
		if path == "" {
			return nil, fmt.Errorf("invalid audit file URI: %s", cfg.Audit.Output)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
		}
		logger.Debug("audit output: file", "path", path, "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStoreWithWriter(f, cfg.Audit.BufferSize), nil

	case strings.HasPrefix(cfg.Audit.Output, "dir://"):
		dir := parseFileURI("file://" + strings.TrimPrefix(cfg.Audit.Output, "dir://"))
		if dir == "" {
			return nil, fmt.Errorf("invalid audit dir URI: %s", cfg.Audit.Output)
		}
		store, err := auditadapter.NewFileStore(auditadapter.FileConfig{
			Dir:           dir,
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
			CacheSize:     cfg.Audit.BufferSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit dir %s: %w", dir, err)
		}
		logger.Debug("audit output: rotating files", "dir", dir, "retention_days", cfg.Audit.RetentionDays)
		return store, nil

	default:
		return nil, fmt.Errorf("invalid audit output: %s (must be 'stdout', 'none', 'file://path' or 'dir://path')", cfg.Audit.Output)
	}
}

// createArchiveStore opens the access-log backend named by access_log.backend.
func createArchiveStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (accesslog.Store, error) {
	switch cfg.AccessLog.Backend {
	case "memory":
		// Retention is driven by the archive service.
		return memory.NewAccessLogStore(0, 0, logger), nil

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.AccessLog.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite access log: %w", err)
		}
		logger.Info("access log archive: sqlite", "path", store.Path())
		return store, nil

	case "redis":
		store, err := redis.New(ctx, redis.Config{
			Addr:      cfg.AccessLog.Redis.Addr,
			Password:  cfg.AccessLog.Redis.Password,
			DB:        cfg.AccessLog.Redis.DB,
			KeyPrefix: cfg.AccessLog.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis access log: %w", err)
		}
		logger.Info("access log archive: redis", "addr", cfg.AccessLog.Redis.Addr)
		return store, nil

	default:
		return nil, fmt.Errorf("invalid access_log.backend: %s", cfg.AccessLog.Backend)
	}
}

// parseLogLevel maps a configured level name to slog.Level. "warning" is
// accepted as an alias; anything unknown is info.
func parseLogLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// parseFileURI extracts the file path from a "file:///path" URI.
// On Windows, file:///C:/path becomes C:/path.
func parseFileURI(uri string) string {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok || path == "" {
		return ""
	}
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return path
}

// baseURL turns a listen address into a clickable URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// printBanner writes the startup summary to stderr.
func printBanner(version string, cfg *config.Config, svc *service.AccessService) {
	const (
		reset = "\033[0m"
		dim   = "\033[2m"
		title = "\033[1m\033[36m"
	)
	paint := func(color, s string) string { return color + s + reset }

	base := baseURL(cfg.Server.HTTPAddr)
	mode := paint("\033[32m", "production")
	if cfg.DevMode {
		mode = paint("\033[33m", "development")
	}
	adminURL := paint(dim, "disabled")
	if cfg.Admin.Enabled {
		adminURL = base + "/admin/api/"
	}

	rows := [][2]string{
		{"Check:", base + "/ (forward-auth)"},
		{"Admin API:", adminURL},
		{"Mode:", mode},
		{"Window:", string(svc.WindowPolicy())},
		{"Endpoints:", fmt.Sprintf("%d registered", len(svc.Endpoints()))},
		{"Access log:", cfg.AccessLog.Backend},
		{"Audit:", cfg.Audit.Output},
	}

	fmt.Fprintf(os.Stderr, "\n  %s\n  %s\n", paint(title, "quota-gate "+version), paint(dim, strings.Repeat("─", 37)))
	for _, r := range rows {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", r[0], r[1])
	}
	fmt.Fprintln(os.Stderr)
}
