package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lavasoft/dispatcher-master/internal/api"
	"github.com/lavasoft/dispatcher-master/internal/config"
	"github.com/lavasoft/dispatcher-master/internal/controlplane"
	"github.com/lavasoft/dispatcher-master/internal/crypto"
	"github.com/lavasoft/dispatcher-master/internal/dispatcher"
	"github.com/lavasoft/dispatcher-master/internal/events"
	"github.com/lavasoft/dispatcher-master/internal/logingest"
	"github.com/lavasoft/dispatcher-master/internal/metrics"
	"github.com/lavasoft/dispatcher-master/internal/registry"
	"github.com/lavasoft/dispatcher-master/internal/store"
	"github.com/lavasoft/dispatcher-master/internal/store/gormstore"
	"github.com/lavasoft/dispatcher-master/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	masterSocket         string
	logSocket            string
	masterCert           string
	slavesCerts          string
	env                  string
	envDUT               string
	dispatchersConfigDir string
	level                string
	dbDriver             string
	dbDSN                string
	apiAddr              string
	apiToken             string
	metricsAddr          string
	workerConfMarker     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}
	defaults := config.Default()

	root := &cobra.Command{
		Use:   "dispatcher-master",
		Short: "dispatcher-master — control process for a distributed test-lab job scheduler",
		Long: `dispatcher-master accepts worker connections on a control socket and a
log socket, tracks worker liveness, assigns submitted jobs to devices, and
propagates cancellations — the long-running core of a LAVA-style
distributed test-lab scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.masterSocket, "master-socket", envOrDefault("DISPATCHER_MASTER_SOCKET", defaults.MasterSocket), "Bind address of the control socket")
	flags.StringVar(&cfg.logSocket, "log-socket", envOrDefault("DISPATCHER_LOG_SOCKET", defaults.LogSocket), "Bind address of the log socket")
	flags.StringVar(&cfg.masterCert, "master-cert", envOrDefault("DISPATCHER_MASTER_CERT", ""), "CURVE keypair file for this master (enables encryption)")
	flags.StringVar(&cfg.slavesCerts, "slaves-certs", envOrDefault("DISPATCHER_SLAVES_CERTS", ""), "Directory of trusted slave public keys")
	flags.StringVar(&cfg.env, "env", envOrDefault("DISPATCHER_ENV", ""), "Worker-side process environment YAML file")
	flags.StringVar(&cfg.envDUT, "env-dut", envOrDefault("DISPATCHER_ENV_DUT", ""), "Device-under-test environment YAML file")
	flags.StringVar(&cfg.dispatchersConfigDir, "dispatchers-config", envOrDefault("DISPATCHER_DISPATCHERS_CONFIG", ""), "Directory of per-worker {hostname}.yaml override files")
	flags.StringVar(&cfg.level, "level", envOrDefault("DISPATCHER_LEVEL", string(defaults.Level)), "Log level: ERROR, WARN, INFO, or DEBUG")
	flags.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DISPATCHER_DB_DRIVER", "sqlite"), "Store driver (sqlite or postgres)")
	flags.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DISPATCHER_DB_DSN", "./dispatcher-master.db"), "Store DSN or file path for SQLite")
	flags.StringVar(&cfg.apiAddr, "api-addr", envOrDefault("DISPATCHER_API_ADDR", ""), "Listen address for the read-only operational REST API (empty disables it)")
	flags.StringVar(&cfg.apiToken, "api-token", envOrDefault("DISPATCHER_API_TOKEN", ""), "Bearer token required on API and event-feed requests (empty disables auth, dev only)")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("DISPATCHER_METRICS_ADDR", ""), "Listen address for the Prometheus /metrics endpoint (empty disables it)")
	flags.StringVar(&cfg.workerConfMarker, "worker-conf-marker", envOrDefault("DISPATCHER_WORKER_CONF_MARKER", defaults.WorkerConfMarker), "Sentinel file whose presence means this host is a worker, not a master")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatcher-master %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	// Sentinel file check (spec §6.1): the master and worker roles are
	// mutually exclusive on one host.
	if _, err := os.Stat(cli.workerConfMarker); err == nil {
		fmt.Fprintf(os.Stderr, "refusing to start: %s exists — this host is configured as a worker\n", cli.workerConfMarker)
		os.Exit(2)
	}

	logger, logCore, err := buildLogger(cli.level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := config.Default()
	cfg.MasterSocket = cli.masterSocket
	cfg.LogSocket = cli.logSocket
	cfg.MasterCertPath = cli.masterCert
	cfg.SlavesCertsDir = cli.slavesCerts
	cfg.EnvPath = cli.env
	cfg.EnvDUTPath = cli.envDUT
	cfg.DispatchersConfigDir = cli.dispatchersConfigDir
	cfg.Level = config.LogLevel(cli.level)
	cfg.APIAddr = cli.apiAddr
	cfg.APIToken = cli.apiToken
	cfg.MetricsAddr = cli.metricsAddr
	cfg.WorkerConfMarker = cli.workerConfMarker

	logger.Info("starting dispatcher-master",
		zap.String("version", version),
		zap.String("master_socket", cfg.MasterSocket),
		zap.String("log_socket", cfg.LogSocket),
		zap.String("db_driver", cli.dbDriver),
		zap.String("level", string(cfg.Level)),
	)

	// SIGINT/SIGTERM/SIGQUIT set the shutdown flag (spec §5); SIGHUP is
	// handled separately below to reinitialise logging without exiting.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()
	go watchSIGHUP(ctx, logger, logCore)

	// --- Store ---
	gormDB, err := gormstore.Open(gormstore.Config{Driver: cli.dbDriver, DSN: cli.dbDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	st := gormstore.New(gormDB)

	// --- Registry ---
	reg := registry.New(logger)

	// --- Metrics ---
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	// --- Event feed ---
	hub := events.NewHub()
	go hub.Run(ctx)

	// --- Control plane ---
	cp := controlplane.New(logger, reg, st)
	cp.SetPublisher(hub)
	cp.SetMetrics(metricsReg)

	controlSrv, err := wire.ListenControl(cfg.MasterSocket, logger)
	if err != nil {
		return fmt.Errorf("failed to bind control socket: %w", err)
	}
	defer controlSrv.Close()

	if err := wireEncryption(cfg, controlSrv, logger); err != nil {
		return fmt.Errorf("failed to configure encryption: %w", err)
	}

	go func() {
		if err := controlSrv.Serve(ctx, cp.Handle); err != nil {
			logger.Error("control server stopped", zap.Error(err))
			cancel()
		}
	}()

	// --- Dispatcher sweep ---
	sweeper, err := dispatcher.New(logger, st, reg, controlSrv, cfg)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	sweeper.SetPublisher(hub)
	sweeper.SetMetrics(metricsReg)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("dispatcher shutdown error", zap.Error(err))
		}
	}()

	// --- Registry liveness sweep ---
	go runRegistrySweep(ctx, reg, cfg.Timing, metricsReg)

	// --- Log ingest ---
	logSrv, err := wire.ListenLog(cfg.LogSocket, logger)
	if err != nil {
		return fmt.Errorf("failed to bind log socket: %w", err)
	}
	defer logSrv.Close()

	ingest := logingest.New(logger, lookupJobFor(st), extractResultsFor(st), cfg.Timing.FDTimeout)
	frames := logSrv.Serve(ctx, 64)
	go ingest.Run(ctx, frames, cfg.Timing.LogIdleSleep)

	// --- Operational REST API ---
	var apiSrv *http.Server
	if cfg.APIAddr != "" {
		router := api.NewRouter(api.RouterConfig{Registry: reg, Store: st, Hub: hub, Logger: logger, Token: cfg.APIToken})
		apiSrv = &http.Server{Addr: cfg.APIAddr, Handler: router, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 60 * time.Second}
		go func() {
			logger.Info("api server listening", zap.String("addr", cfg.APIAddr))
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server error", zap.Error(err))
			}
		}()
	}

	// --- Metrics endpoint ---
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down dispatcher-master")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if apiSrv != nil {
		_ = apiSrv.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("dispatcher-master stopped")
	return nil
}

// wireEncryption installs a key resolver on controlSrv when both a master
// keypair and a trusted-slaves directory are configured (spec §6.1
// --master-cert/--slaves-certs). With a resolver installed, a worker whose
// hostname has no trusted public key has its connection closed. Leaving
// --master-cert unset serves connections in the clear, the development
// default; the log socket is never encrypted.
func wireEncryption(cfg config.Config, controlSrv *wire.ControlServer, logger *zap.Logger) error {
	if cfg.MasterCertPath == "" {
		return nil
	}
	if cfg.SlavesCertsDir == "" {
		return fmt.Errorf("--master-cert requires --slaves-certs")
	}

	localKeys, err := crypto.LoadKeyPair(cfg.MasterCertPath)
	if err != nil {
		return fmt.Errorf("loading master cert: %w", err)
	}
	trusted, err := crypto.LoadTrustedKeys(cfg.SlavesCertsDir)
	if err != nil {
		return fmt.Errorf("loading trusted slave keys: %w", err)
	}

	controlSrv.SetKeyResolver(func(hostname string) (wire.Sealer, bool) {
		peerPublic, ok := trusted.Lookup(hostname)
		if !ok {
			logger.Warn("no trusted public key for worker, rejecting connection", zap.String("hostname", hostname))
			return nil, false
		}
		return crypto.NewSealer(localKeys.Private, peerPublic, crypto.RoleResponder), true
	})
	return nil
}

func lookupJobFor(st store.Store) logingest.JobLookup {
	return func(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
		job, err := st.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return job.OutputDir, true, nil
	}
}

// extractResultsFor mirrors dispatcher-master.py's two-call results path:
// create_metadata_store is always run first, ahead of map_scanned_results,
// even though this store's schema has no column for the original's
// meta_filename return value to flow into — SPEC_FULL §8 item 2 keeps both
// store calls, not just the one with an externally visible return value.
func extractResultsFor(st store.Store) logingest.ResultsExtractor {
	return func(ctx context.Context, jobID uuid.UUID, level string, msg map[string]any) error {
		if _, err := st.CreateMetadataStore(ctx, msg, jobID, level); err != nil {
			return fmt.Errorf("create_metadata_store: %w", err)
		}
		_, err := st.MapScannedResults(ctx, msg, jobID, level)
		return err
	}
}

func runRegistrySweep(ctx context.Context, reg *registry.Registry, timing config.Timing, metricsReg *metrics.Registry) {
	ticker := time.NewTicker(timing.WorkerTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reg.Sweep(now, timing.WorkerTimeout)
			reportWorkersOnline(reg, metricsReg)
		}
	}
}

func reportWorkersOnline(reg *registry.Registry, metricsReg *metrics.Registry) {
	if metricsReg == nil {
		return
	}
	var online float64
	for _, w := range reg.Snapshot() {
		if w.Online {
			online++
		}
	}
	metricsReg.WorkersOnline.Set(online)
}

// watchSIGHUP implements spec §5's "SIGHUP reinitialises logging and
// continues": each signal rebuilds the zapcore.Core from the current
// DISPATCHER_LEVEL environment value (letting an operator bump verbosity
// without a restart, the same way editing a config file and HUP-ing a
// classic Unix daemon reloads it) and swaps it into every logger already
// handed out, via logCore.
func watchSIGHUP(ctx context.Context, logger *zap.Logger, logCore *swappableCore) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			level := envOrDefault("DISPATCHER_LEVEL", string(config.Default().Level))
			core, err := newLogCore(level)
			if err != nil {
				logger.Error("SIGHUP: rebuilding logger failed, keeping previous core", zap.Error(err))
				continue
			}
			logCore.Swap(core)
			logger.Info("SIGHUP received, logging reinitialised", zap.String("level", level))
		}
	}
}

// swappableCore is a zapcore.Core whose underlying core can be replaced
// atomically. Every *zap.Logger derived from one via Named (every
// subsystem logger in this program) shares this same instance, so a Swap
// takes effect for all of them without threading a fresh *zap.Logger
// through already-constructed collaborators. Loggers built with With
// (internal/events' per-connection logger, gormstore's caller-skip
// adapter) wrap whatever core was current at that call and do not observe
// later swaps — acceptable here since both are built once per connection
// or once at startup, not long enough-lived to need a level change.
type swappableCore struct {
	core atomic.Pointer[zapcore.Core]
}

func newSwappableCore(initial zapcore.Core) *swappableCore {
	sc := &swappableCore{}
	sc.core.Store(&initial)
	return sc
}

func (s *swappableCore) Swap(core zapcore.Core) {
	s.core.Store(&core)
}

func (s *swappableCore) current() zapcore.Core { return *s.core.Load() }

func (s *swappableCore) Enabled(lvl zapcore.Level) bool { return s.current().Enabled(lvl) }

func (s *swappableCore) With(fields []zapcore.Field) zapcore.Core {
	return s.current().With(fields)
}

func (s *swappableCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(ent.Level) {
		return ce.AddCore(ent, s)
	}
	return ce
}

func (s *swappableCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return s.current().Write(ent, fields)
}

func (s *swappableCore) Sync() error { return s.current().Sync() }

// buildLogger constructs the process logger around a swappableCore, so
// watchSIGHUP can rebuild and swap its core in place.
func buildLogger(level string) (*zap.Logger, *swappableCore, error) {
	core, err := newLogCore(level)
	if err != nil {
		return nil, nil, err
	}
	sc := newSwappableCore(core)
	logger := zap.New(sc, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, sc, nil
}

// newLogCore builds the zapcore.Core for level, following the teacher's
// zap.NewProductionConfig()-plus-level-switch pattern. Kept separate from
// buildLogger so watchSIGHUP can rebuild just the core on SIGHUP.
func newLogCore(level string) (zapcore.Core, error) {
	cfg := zap.NewProductionConfig()
	switch config.LogLevel(level) {
	case config.LevelDebug:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case config.LevelInfo:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case config.LevelWarn:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case config.LevelError:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	built, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return built.Core(), nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
