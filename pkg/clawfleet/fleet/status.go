package fleet

import (
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/scheduler"
)

// Status is the fleet-level snapshot.
type Status struct {
	State         string
	FleetName     string
	ConfigPath    string
	StateDir      string
	Uptime        time.Duration
	AgentCount    int
	ScheduleCount int
	RunningJobs   int
	CheckInterval time.Duration
}

// AgentInfo is one agent's snapshot, schedules included.
type AgentInfo struct {
	Name          string
	Description   string
	Model         string
	WorkingDir    string
	Runtime       string
	MaxConcurrent int
	RunningJobs   int
	Discord       bool
	Slack         bool
	Schedules     []scheduler.Snapshot
}

// Status returns the fleet snapshot. Valid in any state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	state := m.state
	cfg := m.cfg
	stateDir := m.stateDir
	startedAt := m.startedAt
	sched := m.sched
	m.mu.Unlock()

	s := Status{State: state, StateDir: stateDir}
	if cfg != nil {
		s.FleetName = cfg.Meta.Name
		s.ConfigPath = cfg.ConfigPath
		s.AgentCount = len(cfg.Agents)
		s.CheckInterval = cfg.Meta.Scheduler.EffectiveCheckInterval()
		for _, agent := range cfg.Agents {
			s.ScheduleCount += len(agent.Schedules)
		}
	}
	if state == StateRunning && !startedAt.IsZero() {
		s.Uptime = time.Since(startedAt)
	}
	if sched != nil {
		s.RunningJobs = sched.TotalRunning()
	}
	return s
}

// Agents returns a snapshot of every agent in configuration order.
func (m *Manager) Agents() []AgentInfo {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if cfg == nil {
		return nil
	}
	out := make([]AgentInfo, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		out = append(out, m.agentInfo(agent.Name))
	}
	return out
}

// AgentInfoByName returns one agent's snapshot.
func (m *Manager) AgentInfoByName(name string) (AgentInfo, error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if cfg == nil {
		return AgentInfo{}, &fleeterr.AgentNotFoundError{AgentName: name}
	}
	if _, ok := cfg.AgentByName(name); !ok {
		return AgentInfo{}, &fleeterr.AgentNotFoundError{
			AgentName:       name,
			AvailableAgents: cfg.AgentNames(),
		}
	}
	return m.agentInfo(name), nil
}

func (m *Manager) agentInfo(name string) AgentInfo {
	m.mu.Lock()
	cfg := m.cfg
	sched := m.sched
	m.mu.Unlock()

	agent, ok := cfg.AgentByName(name)
	if !ok {
		return AgentInfo{Name: name}
	}
	info := AgentInfo{
		Name:          agent.Name,
		Description:   agent.Description,
		Model:         agent.Model,
		WorkingDir:    agent.WorkingDir.Root,
		Runtime:       agent.Runtime,
		MaxConcurrent: agent.MaxConcurrent,
		Discord:       agent.Chat != nil && agent.Chat.Discord != nil,
		Slack:         agent.Chat != nil && agent.Chat.Slack != nil,
	}
	if sched != nil {
		info.RunningJobs = sched.RunningJobs(agent.Name)
		for _, name := range agent.ScheduleNames() {
			if snap, ok := sched.Schedule(agent.Name, name); ok {
				info.Schedules = append(info.Schedules, snap)
			}
		}
	}
	return info
}

// Schedules returns every schedule's runtime snapshot.
func (m *Manager) Schedules() ([]scheduler.Snapshot, error) {
	sched, err := m.schedulerHandle("getSchedules")
	if err != nil {
		return nil, err
	}
	return sched.Schedules(), nil
}

// Schedule returns one schedule's runtime snapshot.
func (m *Manager) Schedule(agentName, scheduleName string) (scheduler.Snapshot, error) {
	sched, err := m.schedulerHandle("getSchedule")
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	if err := m.checkScheduleExists(agentName, scheduleName); err != nil {
		return scheduler.Snapshot{}, err
	}
	snap, _ := sched.Schedule(agentName, scheduleName)
	return snap, nil
}

// EnableSchedule clears a schedule's runtime disable flag.
func (m *Manager) EnableSchedule(agentName, scheduleName string) error {
	return m.toggleSchedule("enableSchedule", agentName, scheduleName, false)
}

// DisableSchedule sets a schedule's runtime disable flag. A disabled
// schedule keeps its last_run_at, so re-enabling an overdue one fires on
// the next tick.
func (m *Manager) DisableSchedule(agentName, scheduleName string) error {
	return m.toggleSchedule("disableSchedule", agentName, scheduleName, true)
}

func (m *Manager) toggleSchedule(op, agentName, scheduleName string, disabled bool) error {
	sched, err := m.schedulerHandle(op)
	if err != nil {
		return err
	}
	if err := m.checkScheduleExists(agentName, scheduleName); err != nil {
		return err
	}
	return sched.SetDisabled(agentName, scheduleName, disabled)
}

// schedulerHandle returns the scheduler for schedule operations, which
// require at least an initialized manager.
func (m *Manager) schedulerHandle(op string) (*scheduler.Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched == nil {
		return nil, &fleeterr.InvalidStateError{
			Operation:     op,
			CurrentState:  m.state,
			ExpectedState: "initialized or running",
		}
	}
	return m.sched, nil
}

// checkScheduleExists resolves the (agent, schedule) pair against the
// current config so callers get the richer not-found errors.
func (m *Manager) checkScheduleExists(agentName, scheduleName string) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	agent, ok := cfg.AgentByName(agentName)
	if !ok {
		return &fleeterr.AgentNotFoundError{
			AgentName:       agentName,
			AvailableAgents: cfg.AgentNames(),
		}
	}
	if _, ok := agent.Schedules[scheduleName]; !ok {
		return &fleeterr.ScheduleNotFoundError{
			AgentName:          agentName,
			ScheduleName:       scheduleName,
			AvailableSchedules: agent.ScheduleNames(),
		}
	}
	return nil
}
