// Command inspectord runs the bare-metal introspection coordinator: it
// serves the ramdisk submission endpoint, runs the processing pipeline in
// the background, and periodically sweeps timed-out and stale nodes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/baremetal-inspector/inspector/internal/api"
	"github.com/baremetal-inspector/inspector/internal/auth"
	"github.com/baremetal-inspector/inspector/internal/bmclient"
	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/executor"
	"github.com/baremetal-inspector/inspector/internal/hooks"
	"github.com/baremetal-inspector/inspector/internal/lockregistry"
	"github.com/baremetal-inspector/inspector/internal/nodecache"
	"github.com/baremetal-inspector/inspector/internal/notify"
	"github.com/baremetal-inspector/inspector/internal/objectstore"
	"github.com/baremetal-inspector/inspector/internal/pipeline"
	"github.com/baremetal-inspector/inspector/internal/repository"
	"github.com/baremetal-inspector/inspector/internal/rules"
	"github.com/baremetal-inspector/inspector/internal/sweeper"
)

var (
	version = "dev"
	commit  = "none"
)

// config holds every setting named in spec.md §6's "Exit conditions" plus
// the connection settings for the database, object store, bare-metal
// control API, and admin bearer token.
type config struct {
	httpAddr   string
	dbDriver   string
	dbDSN      string
	secretKey  string
	logLevel   string

	timeout              time.Duration
	nodeStatusKeepTime   time.Duration
	sweepInterval        time.Duration
	storeData            string
	storeDataLocation    string
	powerOff             bool
	alwaysStoreRamdiskLogs bool
	ramdiskLogsDir         string
	ramdiskLogsFilenameFormat string

	executorWorkers        int
	credentialsWaitRetries int
	credentialsWaitPeriod  time.Duration

	bmcBaseURL string
	bmcToken   string

	adminTokenIssuer string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "inspectord",
		Short: "inspectord — bare-metal introspection coordinator",
		Long: `inspectord drives a short-lived workflow in which a bare-metal
machine boots a ramdisk, reports its hardware inventory, and is reconciled
against an external node registry through a pluggable pipeline of hooks and
rules.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTokenCmd(cfg))

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("INSPECTOR_HTTP_ADDR", ":8080"), "HTTP API listen address")
	flags.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("INSPECTOR_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	flags.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("INSPECTOR_DB_DSN", "./inspector.db"), "Database DSN or file path for SQLite")
	flags.StringVar(&cfg.secretKey, "secret-key", envOrDefault("INSPECTOR_SECRET_KEY", ""), "Master secret key for encrypting stored BMC credentials (required)")
	flags.StringVar(&cfg.logLevel, "log-level", envOrDefault("INSPECTOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	flags.DurationVar(&cfg.timeout, "timeout", envDurationOrDefault("INSPECTOR_TIMEOUT", time.Hour), "Introspection timeout before a node is force-finished")
	flags.DurationVar(&cfg.nodeStatusKeepTime, "node-status-keep-time", envDurationOrDefault("INSPECTOR_NODE_STATUS_KEEP_TIME", 7*24*time.Hour), "How long finished node status rows are retained")
	flags.DurationVar(&cfg.sweepInterval, "sweep-interval", envDurationOrDefault("INSPECTOR_SWEEP_INTERVAL", time.Minute), "How often the sweeper checks for timed-out/stale nodes")
	flags.StringVar(&cfg.storeData, "store-data", envOrDefault("INSPECTOR_STORE_DATA", "none"), "Where to store introspection data (swift|none) — swift is served by a filesystem-backed substitute, see internal/objectstore")
	flags.StringVar(&cfg.storeDataLocation, "store-data-location", envOrDefault("INSPECTOR_STORE_DATA_LOCATION", "./data/introspection"), "Directory backing the object store when --store-data=swift")
	flags.BoolVar(&cfg.powerOff, "power-off", envOrDefault("INSPECTOR_POWER_OFF", "true") == "true", "Power off nodes after introspection finishes")
	flags.BoolVar(&cfg.alwaysStoreRamdiskLogs, "always-store-ramdisk-logs", envOrDefault("INSPECTOR_ALWAYS_STORE_RAMDISK_LOGS", "false") == "true", "Store ramdisk logs on every submission, not just on failure")
	flags.StringVar(&cfg.ramdiskLogsDir, "ramdisk-logs-dir", envOrDefault("INSPECTOR_RAMDISK_LOGS_DIR", "./data/ramdisk_logs"), "Directory ramdisk logs are written to")
	flags.StringVar(&cfg.ramdiskLogsFilenameFormat, "ramdisk-logs-filename-format", envOrDefault("INSPECTOR_RAMDISK_LOGS_FILENAME_FORMAT", "{uuid}_{timestamp}.log"), "Filename template for stored ramdisk logs")

	flags.IntVar(&cfg.executorWorkers, "executor-workers", envIntOrDefault("INSPECTOR_EXECUTOR_WORKERS", 8), "Number of background executor workers")
	flags.IntVar(&cfg.credentialsWaitRetries, "credentials-wait-retries", envIntOrDefault("INSPECTOR_CREDENTIALS_WAIT_RETRIES", 10), "Retries polling get_boot_device after new IPMI credentials are set")
	flags.DurationVar(&cfg.credentialsWaitPeriod, "credentials-wait-period", envDurationOrDefault("INSPECTOR_CREDENTIALS_WAIT_PERIOD", 5*time.Second), "Sleep between credential-settle retries")

	flags.StringVar(&cfg.bmcBaseURL, "bmc-base-url", envOrDefault("INSPECTOR_BMC_BASE_URL", ""), "Base URL of the bare-metal control API (required)")
	flags.StringVar(&cfg.bmcToken, "bmc-token", envOrDefault("INSPECTOR_BMC_TOKEN", ""), "Bearer token for the bare-metal control API")
	flags.StringVar(&cfg.adminTokenIssuer, "admin-token-issuer", envOrDefault("INSPECTOR_ADMIN_TOKEN_ISSUER", "inspectord"), "Issuer name embedded in and required of operator bearer tokens")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inspectord %s (commit: %s)\n", version, commit)
		},
	}
}

// newTokenCmd mints an operator bearer token for the admin routes (rule
// CRUD, abort, reapply). Tokens are minted out of band by an operator
// running this subcommand, never issued in response to an HTTP login call.
func newTokenCmd(cfg *config) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token for the admin HTTP routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtMgr, err := auth.NewJWTManagerGenerated(cfg.adminTokenIssuer)
			if err != nil {
				return err
			}
			token, err := jwtMgr.GenerateOperatorToken("admin", ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintln(os.Stderr, "warning: this token was signed with an ephemeral key — it will not validate against a different inspectord process")
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token validity duration")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or INSPECTOR_SECRET_KEY")
	}
	if cfg.bmcBaseURL == "" {
		return fmt.Errorf("bare-metal control API base URL is required — set --bmc-base-url or INSPECTOR_BMC_BASE_URL")
	}

	logger.Info("starting inspectord",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Duration("timeout", cfg.timeout),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	nodeRepo := repository.NewNodeRepository(gormDB)
	attrRepo := repository.NewAttributeRepository(gormDB)
	optionRepo := repository.NewOptionRepository(gormDB)
	ruleRepo := repository.NewRuleRepository(gormDB)

	// --- 4. Lock registry & node cache ---
	locks := lockregistry.New(logger)
	cache := nodecache.New(nodeRepo, attrRepo, optionRepo, locks, logger)

	// --- 5. Hooks & rules ---
	hookReg := hooks.NewRegistry(logger)
	hookReg.RegisterPostHook("pci_devices", hooks.PCIDevicesHook(nil))
	hookReg.RegisterPostHook("capabilities", hooks.CapabilitiesHook(hooks.CapabilitiesHookOptions{StoreBootMode: true, CPUFlagsMapping: hooks.DefaultCPUFlagsMapping}))
	hookReg.RegisterPostHook("scheduling_properties", hooks.SchedulingPropertiesHook())

	ruleReg := rules.NewRegistry()
	ruleSource := ruleSourceFromRepository(ruleRepo)

	// --- 6. Object store ---
	store, err := buildObjectStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	ramdisk := pipeline.NewFilesystemRamdiskLogWriter(cfg.ramdiskLogsDir, cfg.ramdiskLogsFilenameFormat)

	// --- 7. Background executor ---
	pool := executor.New(cfg.executorWorkers, logger, nil)
	go pool.Run(ctx)

	// --- 8. Bare-metal control-plane client factory ---
	clients := func(nodeUUID uuid.UUID) pipeline.Node {
		return bmclient.New(bmclient.Config{BaseURL: cfg.bmcBaseURL, Token: cfg.bmcToken}, nodeUUID)
	}

	pipe := pipeline.New(cache, hookReg, ruleReg, ruleSource, clients, store, ramdisk, pool, pipeline.Config{
		PowerOffAfterFinish:    cfg.powerOff,
		AlwaysStoreRamdiskLogs: cfg.alwaysStoreRamdiskLogs,
		StoreUnprocessedData:   cfg.storeData != "none",
		CredentialsWaitRetries: cfg.credentialsWaitRetries,
		CredentialsWaitPeriod:  cfg.credentialsWaitPeriod,
	}, logger)

	// --- 9. Sweeper ---
	sweep, err := sweeper.New(cache, sweeper.Config{
		Interval:           cfg.sweepInterval,
		Timeout:            cfg.timeout,
		NodeStatusKeepTime: cfg.nodeStatusKeepTime,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer func() {
		if err := sweep.Stop(); err != nil {
			logger.Warn("sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Notification hub ---
	hub := notify.NewHub()
	go hub.Run(ctx)

	// --- 11. Auth ---
	jwtMgr, err := auth.NewJWTManagerGenerated(cfg.adminTokenIssuer)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	// --- 12. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Pipeline: pipe,
		Nodes:    nodeRepo,
		Rules:    ruleRepo,
		Hub:      hub,
		JWTMgr:   jwtMgr,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down inspectord")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("inspectord stopped")
	return nil
}

// ruleSourceFromRepository adapts a repository.RuleRepository into a
// pipeline.RuleSource, decoding each stored rule's JSON condition/action
// arrays into rules.Spec.
func ruleSourceFromRepository(repo repository.RuleRepository) pipeline.RuleSource {
	return func(ctx context.Context) ([]rules.Spec, error) {
		rows, err := repo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading stored rules: %w", err)
		}

		specs := make([]rules.Spec, 0, len(rows))
		for _, row := range rows {
			spec, err := decodeRuleSpec(row)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}
}

// decodeRuleSpec converts one stored db.Rule row into the rules.Spec shape
// rules.Apply evaluates.
func decodeRuleSpec(row db.Rule) (rules.Spec, error) {
	spec := rules.Spec{
		ID:          row.ID,
		Description: row.Description,
		ScopeUUID:   row.ScopeUUID,
	}
	if err := json.Unmarshal([]byte(row.Conditions), &spec.Conditions); err != nil {
		return rules.Spec{}, fmt.Errorf("decoding conditions for rule %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Actions), &spec.Actions); err != nil {
		return rules.Spec{}, fmt.Errorf("decoding actions for rule %s: %w", row.ID, err)
	}
	return spec, nil
}

func buildObjectStore(cfg *config) (objectstore.Store, error) {
	if cfg.storeData == "none" {
		return objectstore.NoopStore{}, nil
	}
	return objectstore.NewFilesystemStore(cfg.storeDataLocation)
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
