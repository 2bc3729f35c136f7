package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
)

// Runtime schedule statuses.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusDisabled = "disabled"
)

// TriggerFunc fires one scheduled run through the fleet's trigger path
// and returns the created job id. It must return once the job is
// persisted, not when it completes.
type TriggerFunc func(agentName, scheduleName string) (jobID string, err error)

// scheduleState is the runtime side of one (agent, schedule) pair.
type scheduleState struct {
	lastRunAt    *time.Time
	disabled     bool
	activeRuns   int
	registeredAt time.Time

	// Parsed forms, built once when the agent list is adopted.
	interval time.Duration
	cronExpr cron.Schedule
}

type stateKey struct {
	agent    string
	schedule string
}

// Snapshot is one schedule's introspection view.
type Snapshot struct {
	AgentName    string
	ScheduleName string
	Type         string
	Interval     string
	Cron         string
	Prompt       string
	Enabled      bool
	Status       string
	LastRunAt    *time.Time
	NextRunAt    *time.Time
}

// Scheduler walks every configured schedule on a fixed tick, fires due
// ones through the trigger path and accounts for non-terminal jobs per
// agent. Ticks are serialized: a tick's due set is fully dispatched
// before the next tick begins.
type Scheduler struct {
	trigger       TriggerFunc
	store         *StateStore
	bus           *events.Bus
	checkInterval time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	agents    []*config.Agent
	states    map[stateKey]*scheduleState
	running   map[string]int // agent name → non-terminal job count
	persisted map[stateKey]StateRow

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. The store may be nil, in which case runtime
// state lives only in memory.
func New(trigger TriggerFunc, store *StateStore, bus *events.Bus, checkInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	s := &Scheduler{
		trigger:       trigger,
		store:         store,
		bus:           bus,
		checkInterval: checkInterval,
		logger:        logger.With("component", "scheduler"),
		states:        make(map[stateKey]*scheduleState),
		running:       make(map[string]int),
		persisted:     make(map[stateKey]StateRow),
	}
	if store != nil {
		rows, err := store.LoadAll()
		if err != nil {
			s.logger.Warn("failed to load persisted schedule state", "error", err)
		}
		for _, row := range rows {
			s.persisted[stateKey{row.Agent, row.Schedule}] = row
		}
	}
	return s
}

// SetAgents adopts a new agent list, at initialization and on every
// reload. Surviving schedules keep their runtime state; new ones adopt
// persisted state when available; state for removed schedules is pruned
// from memory and disk.
func (s *Scheduler) SetAgents(agents []*config.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	next := make(map[stateKey]*scheduleState)

	for _, agent := range agents {
		for name, sched := range agent.Schedules {
			key := stateKey{agent.Name, name}
			st := s.states[key]
			if st == nil {
				st = &scheduleState{registeredAt: now}
				if row, ok := s.persisted[key]; ok {
					st.lastRunAt = row.LastRunAt
					st.disabled = row.Disabled
				}
			}
			st.interval = 0
			st.cronExpr = nil
			switch sched.Type {
			case config.ScheduleTypeInterval:
				d, err := config.ParseInterval(sched.Interval)
				if err != nil {
					s.logger.Warn("schedule has unparseable interval",
						"agent", agent.Name, "schedule", name, "interval", sched.Interval, "error", err)
				} else {
					st.interval = d
				}
			case config.ScheduleTypeCron:
				expr, err := cron.ParseStandard(sched.Cron)
				if err != nil {
					s.logger.Warn("schedule has unparseable cron expression",
						"agent", agent.Name, "schedule", name, "cron", sched.Cron, "error", err)
				} else {
					st.cronExpr = expr
				}
			}
			next[key] = st
		}
	}

	// Prune persisted state for schedules that are no longer configured,
	// including rows left behind by earlier runs.
	for key := range s.persisted {
		if _, ok := next[key]; ok {
			continue
		}
		delete(s.persisted, key)
		if s.store != nil {
			if err := s.store.Delete(key.agent, key.schedule); err != nil {
				s.logger.Warn("failed to prune schedule state",
					"agent", key.agent, "schedule", key.schedule, "error", err)
			}
		}
	}

	s.agents = agents
	s.states = next
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()

		s.tick()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	s.logger.Info("scheduler started", "check_interval", s.checkInterval)
}

// Stop ends the tick loop and waits for an in-progress tick to finish.
// In-flight jobs are not cancelled here; the fleet's stop policy decides
// that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TryAcquire reserves a job slot for the agent (and marks the schedule
// running when the job belongs to one). It fails with a typed
// concurrency-limit error once the agent has limit non-terminal jobs,
// unless bypass is set. The returned release must be called exactly once
// when the job reaches a terminal state.
func (s *Scheduler) TryAcquire(agentName, scheduleName string, limit int, bypass bool) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.running[agentName]
	if !bypass && limit > 0 && current >= limit {
		return nil, &fleeterr.ConcurrencyLimitError{
			AgentName:   agentName,
			CurrentJobs: current,
			Limit:       limit,
		}
	}

	s.running[agentName] = current + 1
	key := stateKey{agentName, scheduleName}
	if scheduleName != "" {
		if st := s.states[key]; st != nil {
			st.activeRuns++
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.running[agentName] > 0 {
				s.running[agentName]--
			}
			if scheduleName != "" {
				if st := s.states[key]; st != nil && st.activeRuns > 0 {
					st.activeRuns--
				}
			}
		})
	}
	return release, nil
}

// RunningJobs returns the agent's current non-terminal job count.
func (s *Scheduler) RunningJobs(agentName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[agentName]
}

// TotalRunning returns the fleet-wide non-terminal job count.
func (s *Scheduler) TotalRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.running {
		total += n
	}
	return total
}

// SetDisabled toggles a schedule's runtime disable flag and persists it.
// Disabling freezes last_run_at, so re-enabling makes an overdue schedule
// fire on the next tick.
func (s *Scheduler) SetDisabled(agentName, scheduleName string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{agentName, scheduleName}
	st := s.states[key]
	if st == nil {
		return &fleeterr.ScheduleNotFoundError{AgentName: agentName, ScheduleName: scheduleName}
	}
	st.disabled = disabled
	s.persistLocked(key, st)
	s.logger.Info("schedule toggled", "agent", agentName, "schedule", scheduleName, "disabled", disabled)
	return nil
}

// Schedules returns a snapshot of every configured schedule, agents in
// configuration order with schedule names sorted within each agent.
func (s *Scheduler) Schedules() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	for _, agent := range s.agents {
		for _, name := range sortedScheduleNames(agent) {
			out = append(out, s.snapshotLocked(agent, name))
		}
	}
	return out
}

// Schedule returns one schedule's snapshot.
func (s *Scheduler) Schedule(agentName, scheduleName string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, agent := range s.agents {
		if agent.Name != agentName {
			continue
		}
		if _, ok := agent.Schedules[scheduleName]; !ok {
			return Snapshot{}, false
		}
		return s.snapshotLocked(agent, scheduleName), true
	}
	return Snapshot{}, false
}

// ---------- Internal ----------

type launch struct {
	agent    string
	schedule string
}

// tick evaluates every schedule once. Due-ness, skips and last_run_at
// updates happen under the lock; trigger calls and event emission happen
// after it so the trigger path can re-enter the accounting.
func (s *Scheduler) tick() {
	now := time.Now().UTC()

	var launches []launch
	var skips []events.ScheduleSkippedPayload

	s.mu.Lock()
	for _, agent := range s.agents {
		for _, name := range sortedScheduleNames(agent) {
			sched := agent.Schedules[name]
			if !sched.IsEnabled() {
				continue
			}
			key := stateKey{agent.Name, name}
			st := s.states[key]
			if st == nil || !s.dueLocked(st, now) {
				continue
			}
			switch {
			case st.disabled:
				skips = append(skips, events.ScheduleSkippedPayload{
					AgentName: agent.Name, ScheduleName: name, Reason: events.SkipReasonDisabled,
				})
			case st.activeRuns > 0:
				skips = append(skips, events.ScheduleSkippedPayload{
					AgentName: agent.Name, ScheduleName: name, Reason: events.SkipReasonRunning,
				})
			case agent.MaxConcurrent > 0 && s.running[agent.Name] >= agent.MaxConcurrent:
				skips = append(skips, events.ScheduleSkippedPayload{
					AgentName: agent.Name, ScheduleName: name, Reason: events.SkipReasonAlreadyRunning,
				})
			default:
				// Set last_run_at before launching so a slow job cannot
				// re-trigger on the next tick.
				t := now
				st.lastRunAt = &t
				s.persistLocked(key, st)
				launches = append(launches, launch{agent.Name, name})
			}
		}
	}
	s.mu.Unlock()

	for _, skip := range skips {
		s.logger.Debug("schedule skipped", "agent", skip.AgentName, "schedule", skip.ScheduleName, "reason", skip.Reason)
		s.bus.Emit(events.ScheduleSkipped, skip)
	}
	for _, l := range launches {
		jobID, err := s.trigger(l.agent, l.schedule)
		if err != nil {
			s.logger.Warn("scheduled trigger failed", "agent", l.agent, "schedule", l.schedule, "error", err)
			continue
		}
		s.bus.Emit(events.ScheduleTriggered, events.ScheduleTriggeredPayload{
			AgentName:    l.agent,
			ScheduleName: l.schedule,
			JobID:        jobID,
		})
	}
}

// dueLocked reports whether the schedule would fire now. Callers hold mu.
func (s *Scheduler) dueLocked(st *scheduleState, now time.Time) bool {
	switch {
	case st.interval > 0:
		if st.lastRunAt == nil {
			return true
		}
		return !now.Before(st.lastRunAt.Add(st.interval))
	case st.cronExpr != nil:
		base := st.registeredAt
		if st.lastRunAt != nil {
			base = *st.lastRunAt
		}
		return !st.cronExpr.Next(base).After(now)
	}
	return false
}

// nextRunLocked computes the next fire time for display. Callers hold mu.
func (s *Scheduler) nextRunLocked(st *scheduleState, now time.Time) *time.Time {
	switch {
	case st.interval > 0:
		if st.lastRunAt == nil {
			t := now
			return &t
		}
		t := st.lastRunAt.Add(st.interval)
		return &t
	case st.cronExpr != nil:
		base := st.registeredAt
		if st.lastRunAt != nil {
			base = *st.lastRunAt
		}
		t := st.cronExpr.Next(base)
		return &t
	}
	return nil
}

func (s *Scheduler) snapshotLocked(agent *config.Agent, name string) Snapshot {
	sched := agent.Schedules[name]
	st := s.states[stateKey{agent.Name, name}]

	snap := Snapshot{
		AgentName:    agent.Name,
		ScheduleName: name,
		Type:         sched.Type,
		Interval:     sched.Interval,
		Cron:         sched.Cron,
		Prompt:       sched.Prompt,
		Enabled:      sched.IsEnabled(),
	}
	if st == nil {
		snap.Status = StatusIdle
		return snap
	}
	switch {
	case st.disabled || !sched.IsEnabled():
		snap.Status = StatusDisabled
	case st.activeRuns > 0:
		snap.Status = StatusRunning
	default:
		snap.Status = StatusIdle
	}
	snap.LastRunAt = st.lastRunAt
	snap.NextRunAt = s.nextRunLocked(st, time.Now().UTC())
	return snap
}

// persistLocked writes one state row through the store. Callers hold mu.
func (s *Scheduler) persistLocked(key stateKey, st *scheduleState) {
	row := StateRow{
		Agent:     key.agent,
		Schedule:  key.schedule,
		LastRunAt: st.lastRunAt,
		Disabled:  st.disabled,
	}
	s.persisted[key] = row
	if s.store == nil {
		return
	}
	if err := s.store.Save(row); err != nil {
		s.logger.Warn("failed to persist schedule state",
			"agent", key.agent, "schedule", key.schedule, "error", err)
	}
}

func sortedScheduleNames(agent *config.Agent) []string {
	names := make([]string, 0, len(agent.Schedules))
	for name := range agent.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
