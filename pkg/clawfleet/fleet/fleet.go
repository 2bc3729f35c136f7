// Package fleet implements the FleetManager: the long-running supervisor
// that owns the resolved configuration, the scheduler, the job stores and
// the chat managers, and exposes the control surface everything else
// drives. The manager is a small state machine; operations called in the
// wrong state fail with typed invalid-state errors.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels/discord"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels/slack"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/scheduler"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/secrets"
)

// Manager states. Transitions: uninitialized → initialized → running →
// stopped. A failed initialize lands in the absorbing error state.
const (
	StateUninitialized = "uninitialized"
	StateInitialized   = "initialized"
	StateRunning       = "running"
	StateStopped       = "stopped"
	StateError         = "error"
)

// Default stop policy values.
const (
	defaultStopTimeout   = 30 * time.Second
	defaultCancelTimeout = 5 * time.Second
)

// Manager is the fleet supervisor.
type Manager struct {
	configPath string
	logger     *slog.Logger
	bus        *events.Bus
	registry   *runner.Registry

	mu        sync.Mutex
	state     string
	cfg       *config.Fleet
	stateDir  string
	startedAt time.Time

	jobStore *jobs.Store
	jobMgr   *jobs.Manager
	executor *jobs.Executor
	sched    *scheduler.Scheduler
	schedDB  *scheduler.StateStore
	resolver *secrets.Resolver
	chat     []channels.Manager

	// active maps a non-terminal job id to the cancel func of its
	// execution context.
	active map[string]context.CancelFunc
	wg     sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates an uninitialized manager for the fleet file at configPath.
// A nil registry uses the default runtime set.
func New(configPath string, registry *runner.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = runner.DefaultRegistry(logger)
	}
	return &Manager{
		configPath: configPath,
		logger:     logger.With("component", "fleet"),
		bus:        events.NewBus(logger),
		registry:   registry,
		state:      StateUninitialized,
		active:     make(map[string]context.CancelFunc),
	}
}

// State returns the manager's current state string.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bus returns the fleet event bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Jobs returns the job query manager. Nil before initialization.
func (m *Manager) Jobs() *jobs.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobMgr
}

// Config returns the current resolved configuration. Nil before
// initialization.
func (m *Manager) Config() *config.Fleet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// StateDir returns the fleet state directory.
func (m *Manager) StateDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateDir
}

// SessionExpiry returns how long idle chat sessions stay resumable.
func (m *Manager) SessionExpiry() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return 0
	}
	hours := m.cfg.Meta.Sessions.Effective().ExpiryHours
	return time.Duration(hours) * time.Hour
}

// AgentByName returns the agent's resolved configuration.
func (m *Manager) AgentByName(name string) (*config.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return nil, false
	}
	return m.cfg.AgentByName(name)
}

// ResolveSecret resolves a declared token variable through the
// env → keyring → vault chain.
func (m *Manager) ResolveSecret(name string) (string, bool) {
	m.mu.Lock()
	resolver := m.resolver
	m.mu.Unlock()
	if resolver == nil {
		value, ok := os.LookupEnv(name)
		return value, ok
	}
	value, _, ok := resolver.Resolve(name)
	return value, ok
}

// Initialize resolves the configuration, creates the state directory and
// wires every subsystem. Valid only from uninitialized; a config or state
// dir failure transitions the manager to the error state.
func (m *Manager) Initialize() error {
	m.mu.Lock()

	if m.state != StateUninitialized {
		defer m.mu.Unlock()
		return &fleeterr.InvalidStateError{
			Operation:     "initialize",
			CurrentState:  m.state,
			ExpectedState: StateUninitialized,
		}
	}

	cfg, err := config.Load(m.configPath)
	if err != nil {
		m.state = StateError
		m.mu.Unlock()
		m.logger.Error("initialization failed", "error", err)
		return err
	}

	if err := os.MkdirAll(cfg.Meta.StateDir, 0o755); err != nil {
		m.state = StateError
		m.mu.Unlock()
		return &fleeterr.StateDirError{StateDir: cfg.Meta.StateDir, Cause: err}
	}

	jobStore, err := jobs.NewStore(cfg.Meta.StateDir, m.logger)
	if err != nil {
		m.state = StateError
		m.mu.Unlock()
		return err
	}

	schedDB, err := scheduler.OpenStateStore(cfg.Meta.StateDir)
	if err != nil {
		// Scheduler state degrades to memory-only; the fleet still runs.
		m.logger.Warn("failed to open scheduler state store", "error", err)
		schedDB = nil
	}

	m.cfg = cfg
	m.stateDir = cfg.Meta.StateDir
	m.jobStore = jobStore
	m.jobMgr = jobs.NewManager(jobStore, cfg.Meta.Retention, m.logger)
	m.executor = jobs.NewExecutor(jobStore, m.bus, m.logger)
	m.schedDB = schedDB
	m.sched = scheduler.New(m.scheduledTrigger, schedDB, m.bus,
		cfg.Meta.Scheduler.EffectiveCheckInterval(), m.logger)
	m.sched.SetAgents(cfg.Agents)
	m.resolver = secrets.NewResolver(filepath.Join(cfg.ConfigDir, secrets.VaultFile), m.logger)

	chat := []channels.Manager{
		discord.NewManager(m, m.logger),
		slack.NewManager(m, m.logger),
	}
	m.chat = chat
	m.state = StateInitialized
	m.mu.Unlock()

	// Chat managers read state dir, session expiry and secrets back
	// through the fleet facade, so this runs outside the lock.
	for _, cm := range chat {
		if err := cm.Initialize(cfg.Agents); err != nil {
			m.mu.Lock()
			m.state = StateError
			m.mu.Unlock()
			return fmt.Errorf("initializing %s manager: %w", cm.Name(), err)
		}
	}

	m.logger.Info("fleet initialized", "config", cfg.ConfigPath,
		"agents", len(cfg.Agents), "state_dir", cfg.Meta.StateDir)
	m.bus.Emit(events.Initialized, events.InitializedPayload{
		ConfigPath: cfg.ConfigPath,
		AgentCount: len(cfg.Agents),
	})
	return nil
}

// Start launches the scheduler and connects the chat managers. The first
// scheduler tick runs immediately.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != StateInitialized {
		state := m.state
		m.mu.Unlock()
		return &fleeterr.InvalidStateError{
			Operation:     "start",
			CurrentState:  state,
			ExpectedState: StateInitialized,
		}
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.state = StateRunning
	m.startedAt = time.Now().UTC()
	cfg := m.cfg
	sched := m.sched
	chat := m.chat
	runCtx := m.runCtx
	m.mu.Unlock()

	sched.Start()
	for _, cm := range chat {
		if err := cm.Start(runCtx); err != nil {
			// Chat managers report connect failures on the bus themselves;
			// a hard error here still must not take the fleet down.
			m.logger.Error("chat manager failed to start", "manager", cm.Name(), "error", err)
		}
	}

	for _, agent := range cfg.Agents {
		m.bus.Emit(events.AgentStarted, events.AgentPayload{AgentName: agent.Name})
	}
	m.logger.Info("fleet started", "agents", len(cfg.Agents))
	m.bus.Emit(events.Started, events.StartedPayload{AgentCount: len(cfg.Agents)})
	return nil
}

// StopOptions tunes the shutdown policy.
type StopOptions struct {
	// Timeout bounds the wait for in-flight jobs. Defaults to 30s.
	Timeout time.Duration

	// CancelOnTimeout cancels jobs still running when Timeout expires.
	CancelOnTimeout bool

	// CancelTimeout bounds the wait after cancellation. Defaults to 5s.
	CancelTimeout time.Duration
}

// Stop shuts the fleet down: the scheduler stops ticking, chat managers
// disconnect, and in-flight jobs get up to opts.Timeout to finish. With
// CancelOnTimeout the remaining jobs are cancelled and given
// opts.CancelTimeout to unwind. The manager always reaches stopped; a
// timeout is reported as a shutdown error after the transition. Stopping
// an initialized or already stopped manager is a no-op.
func (m *Manager) Stop(opts StopOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultStopTimeout
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}

	m.mu.Lock()
	switch m.state {
	case StateStopped:
		m.mu.Unlock()
		return nil
	case StateInitialized:
		m.state = StateStopped
		m.closeStoresLocked()
		m.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := m.state
		m.mu.Unlock()
		return &fleeterr.InvalidStateError{
			Operation:     "stop",
			CurrentState:  state,
			ExpectedState: StateRunning,
		}
	}
	cfg := m.cfg
	sched := m.sched
	chat := m.chat
	startedAt := m.startedAt
	m.mu.Unlock()

	sched.Stop()
	for _, cm := range chat {
		if err := cm.Stop(); err != nil {
			m.logger.Warn("chat manager failed to stop", "manager", cm.Name(), "error", err)
		}
	}

	timedOut := !m.waitForJobs(opts.Timeout)
	if timedOut && opts.CancelOnTimeout {
		n := m.cancelAll()
		m.logger.Warn("cancelling jobs still running at shutdown", "count", n)
		m.waitForJobs(opts.CancelTimeout)
	}

	m.mu.Lock()
	if m.runCancel != nil {
		m.runCancel()
		m.runCtx, m.runCancel = nil, nil
	}
	m.state = StateStopped
	m.closeStoresLocked()
	m.mu.Unlock()

	for _, agent := range cfg.Agents {
		m.bus.Emit(events.AgentStopped, events.AgentPayload{AgentName: agent.Name})
	}
	uptime := time.Since(startedAt)
	m.logger.Info("fleet stopped", "uptime", uptime.Round(time.Second), "timed_out", timedOut)
	m.bus.Emit(events.Stopped, events.StoppedPayload{Uptime: uptime})

	if timedOut {
		return &fleeterr.ShutdownError{TimedOut: true}
	}
	return nil
}

// waitForJobs waits up to d for every tracked job to finish. Reports
// whether the wait completed.
func (m *Manager) waitForJobs(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// cancelAll cancels every tracked job and returns how many there were.
func (m *Manager) cancelAll() int {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, cancel := range m.active {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// closeStoresLocked releases the scheduler's sqlite handle. Callers hold mu.
func (m *Manager) closeStoresLocked() {
	if m.schedDB != nil {
		if err := m.schedDB.Close(); err != nil {
			m.logger.Warn("failed to close scheduler state store", "error", err)
		}
		m.schedDB = nil
	}
}

// Reload re-resolves the configuration and adopts it transactionally: a
// parse or validation failure keeps the previous config authoritative and
// returns the underlying error; on success the config is swapped, the
// scheduler and chat managers adopt the new agent list, and
// config:reloaded carries the change set. In-flight jobs keep the
// configuration they were triggered with.
func (m *Manager) Reload() error {
	m.mu.Lock()
	switch m.state {
	case StateInitialized, StateRunning, StateStopped:
	default:
		state := m.state
		m.mu.Unlock()
		return &fleeterr.InvalidStateError{
			Operation:     "reload",
			CurrentState:  state,
			ExpectedState: "initialized, running or stopped",
		}
	}
	old := m.cfg
	m.mu.Unlock()

	next, err := config.Load(m.configPath)
	if err != nil {
		m.logger.Error("reload failed, keeping existing configuration", "error", err)
		return err
	}

	changes := config.Diff(old, next)

	m.mu.Lock()
	if next.Meta.StateDir != m.stateDir {
		// Moving the state dir needs a restart; the stores stay bound to
		// the directory they were opened with.
		m.logger.Warn("state_dir changed in config, ignored until restart",
			"current", m.stateDir, "configured", next.Meta.StateDir)
		next.Meta.StateDir = m.stateDir
	}
	m.cfg = next
	m.jobMgr = jobs.NewManager(m.jobStore, next.Meta.Retention, m.logger)
	sched := m.sched
	chat := m.chat
	m.mu.Unlock()

	sched.SetAgents(next.Agents)
	for _, cm := range chat {
		if err := cm.Initialize(next.Agents); err != nil {
			m.logger.Error("chat manager failed to adopt new config", "manager", cm.Name(), "error", err)
		}
	}

	m.logger.Info("configuration reloaded", "agents", len(next.Agents), "changes", len(changes))
	m.bus.Emit(events.ConfigReloaded, events.ConfigReloadedPayload{
		AgentCount: len(next.Agents),
		AgentNames: next.AgentNames(),
		ConfigPath: next.ConfigPath,
		Changes:    changes,
		Timestamp:  time.Now().UTC(),
	})
	return nil
}

// Compile-time check: the manager is the fleet facade chat connectors use.
var _ channels.Fleet = (*Manager)(nil)
