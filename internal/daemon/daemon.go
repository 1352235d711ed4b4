package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/internal/logger"
	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/cron"
	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/gate"
	"github.com/harun/deskchat/pkg/gateway"
	"github.com/harun/deskchat/pkg/journal"
	"github.com/harun/deskchat/pkg/orchestrator"
	"github.com/harun/deskchat/pkg/sandbox"
	"github.com/harun/deskchat/pkg/tasks"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/harun/deskchat/pkg/toolexecutor"
)

// Daemon represents the deskchat daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        *thread.Store
	settings     *config.SettingsStore
	watcher      *config.SettingsWatcher
	runner       sandbox.Runner
	backends     *backend.Registry
	toolExecutor *toolexecutor.ToolExecutor
	journal      *journal.Journal
	hub          *events.Hub
	gate         *gate.Gate
	supervisor   *tasks.Supervisor
	orchestrator *orchestrator.Orchestrator

	// Services
	gatewayServer *gateway.Server
	cronService   *cron.Service

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what New acquired before failing.
func (d *Daemon) abort() {
	d.cancel()
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	log := d.logger.Zerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := d.config.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(d.config.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		log.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	store, err := thread.New(d.config.ProfilesDir())
	if err != nil {
		return fmt.Errorf("failed to create thread store: %w", err)
	}
	d.store = store
	log.Info().Str("dir", store.ProfilesDir()).Msg("Thread store initialized")

	d.settings = config.NewSettingsStore(d.config.ProfilesDir(), d.config.Backend.DefaultKind)
	watcher, err := config.NewSettingsWatcher(d.settings, 0, func(profileID string) {
		log.Info().Str("profile_id", profileID).Msg("Profile settings reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Settings watcher unavailable, settings changes need a restart")
	} else {
		d.watcher = watcher
	}

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.DefaultTimeout = time.Duration(d.config.Tools.ExecTimeoutSeconds) * time.Second
	d.runner = sandbox.NewHostRunner(sandboxCfg)

	d.backends = backend.NewRegistry(d.config.Backend, d.runner, func(profileID string) string {
		dir, err := d.store.ProfileDir(profileID)
		if err != nil {
			return ""
		}
		return filepath.Join(dir, "workspace")
	})
	log.Info().Str("default_kind", d.config.Backend.DefaultKind).Msg("Backend registry initialized")

	d.toolExecutor = toolexecutor.New(toolexecutor.Options{
		MaxOutputBytes: d.config.Tools.MaxOutputBytes,
		DefaultTimeout: time.Duration(d.config.Tools.ExecTimeoutSeconds) * time.Second,
	})
	if err := toolexecutor.RegisterBuiltins(d.toolExecutor, toolexecutor.BuiltinOptions{
		Runner:      d.runner,
		Shell:       d.config.Tools.Shell,
		ExecTimeout: time.Duration(d.config.Tools.ExecTimeoutSeconds) * time.Second,
		WebTimeout:  time.Duration(d.config.Tools.WebTimeoutSeconds) * time.Second,
	}); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	log.Info().Strs("tools", d.toolExecutor.ListTools()).Msg("Tool executor initialized")

	j, err := journal.Open(d.config.JournalPath(), d.logger.Component("journal"))
	if err != nil {
		return fmt.Errorf("failed to open run journal: %w", err)
	}
	d.journal = j

	d.hub = events.NewHub()
	d.gate = gate.New()
	d.supervisor = tasks.New()

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    d.store,
		Settings: d.settings,
		Backends: d.backends,
		Tools:    d.toolExecutor,
	},
		orchestrator.WithEventSink(d.hub),
		orchestrator.WithJournal(d.journal),
		orchestrator.WithGate(d.gate),
		orchestrator.WithSupervisor(d.supervisor),
		orchestrator.WithMaxSteps(d.config.Chat.MaxSteps),
		orchestrator.WithHistoryWindow(d.config.Chat.HistoryWindow),
		orchestrator.WithPersistInterval(time.Duration(d.config.Chat.PersistThrottleMs)*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch
	log.Info().Int("max_steps", d.config.Chat.MaxSteps).Msg("Orchestrator initialized")

	return nil
}

// initializeServices initializes all services
func (d *Daemon) initializeServices() error {
	log := d.logger.Zerolog()

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:           d.config.Gateway.Host,
		Port:           d.config.Gateway.Port,
		SharedSecret:   d.config.Gateway.SharedSecret,
		RateLimit:      d.config.Gateway.RateLimit,
		RateBurst:      d.config.Gateway.RateBurst,
		MaxConcurrent:  d.config.Gateway.MaxConcurrent,
		DefaultProfile: d.config.Chat.DefaultProfile,
		Chats:          d.orchestrator,
		Runs:           d.journal,
		Hub:            d.hub,
		Logger:         d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	log.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")

	if !d.config.Maintenance.Enabled {
		return nil
	}

	d.cronService = cron.NewService()
	schedule := d.config.Maintenance.Schedule
	jobs := []cron.Job{
		cron.SweepTempFilesJob(schedule, d.store, time.Duration(d.config.Maintenance.TempFileMaxAgeMin)*time.Minute),
		cron.PruneJournalJob(schedule, d.journal, time.Duration(d.config.Maintenance.JournalRetentionDays)*24*time.Hour),
	}
	for _, job := range jobs {
		if err := d.cronService.AddJob(job); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
	}
	log.Info().Str("schedule", schedule).Msg("Cron service initialized")

	return nil
}

// Start starts the daemon and all its services
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.Zerolog())
	logger.Info().Msg("Starting deskchat daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if n, err := d.journal.AbandonRunning(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to close interrupted runs")
	} else if n > 0 {
		logger.Warn().Int64("runs", n).Msg("Marked interrupted runs as failed")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start settings watcher")
		} else {
			logger.Info().Msg("Settings watcher started")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.cronService != nil {
		d.cronService.Start()
		logger.Info().Msg("Cron service started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")

	return nil
}

// Stop drains in-flight sends and stops every service. The context bounds
// the whole shutdown.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.WithTraceID(ctx, tracing.NewTraceID()), d.logger.Zerolog())
	logger.Info().Msg("Stopping deskchat daemon")

	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.orchestrator.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Orchestrator did not drain before the deadline")
	} else {
		logger.Info().Msg("Background sends drained")
	}

	if d.cronService != nil {
		if err := d.cronService.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop cron service")
		}
		logger.Info().Msg("Cron service stopped")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop settings watcher")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.supervisor.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close task supervisor")
	}

	if err := d.journal.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close run journal")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon within the
// configured shutdown timeout.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	timeout := time.Duration(d.config.Chat.ShutdownTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetCronService returns the maintenance scheduler, nil when disabled
func (d *Daemon) GetCronService() *cron.Service {
	return d.cronService
}

// GetJournal returns the run journal
func (d *Daemon) GetJournal() *journal.Journal {
	return d.journal
}
