package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// defaultPrompt is used when neither the trigger options nor the schedule
// carry one.
const defaultPrompt = "Execute your configured task"

// TriggerOptions tunes one trigger call.
type TriggerOptions struct {
	// Prompt overrides the schedule prompt and the default.
	Prompt string

	// TriggerType records who created the job. Defaults to manual.
	TriggerType string

	// BypassConcurrencyLimit skips the max_concurrent check.
	BypassConcurrencyLimit bool

	// Resume passes a runtime session id as a resume hint.
	Resume string

	// ForkedFrom names the job whose session Resume came from. When set,
	// job:forked is emitted alongside job:created.
	ForkedFrom string

	// OnMessage receives every stream message synchronously. A slow
	// callback back-pressures the stream; an error aborts the run.
	OnMessage runner.EmitFunc
}

// TriggerResult describes a job that has been persisted and launched.
type TriggerResult struct {
	JobID        string
	AgentName    string
	ScheduleName string
	Prompt       string
	StartedAt    time.Time
}

// Trigger creates and launches one job. It returns as soon as the job is
// persisted and job:created has been emitted; the executor runs on its
// own goroutine. Valid while initialized or running.
func (m *Manager) Trigger(agentName, scheduleName string, opts TriggerOptions) (*TriggerResult, error) {
	prep, err := m.prepareJob(agentName, scheduleName, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	parent := m.runCtx
	m.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	m.trackJob(prep.job.ID, cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.untrackJob(prep.job.ID)
		defer cancel()
		// Execute absorbs failures into the job metadata and events.
		_ = m.executor.Execute(ctx, prep.ex)
	}()

	return prep.result(), nil
}

// ChatTrigger starts a chat-originated job and blocks until it reaches a
// terminal state, streaming messages through req.OnMessage. The returned
// job carries the terminal status and the captured session id; an error
// is returned only when the job could not be launched at all.
func (m *Manager) ChatTrigger(ctx context.Context, agentName string, req channels.TriggerRequest) (*jobs.Job, error) {
	prep, err := m.prepareJob(agentName, "", TriggerOptions{
		Prompt:      req.Prompt,
		TriggerType: jobs.TriggerChat,
		Resume:      req.SessionID,
		OnMessage:   req.OnMessage,
	})
	if err != nil {
		return nil, err
	}

	// The execution context is parented on the fleet run context, not the
	// handler's: a disconnecting chat manager cancels its handler context,
	// and an in-flight job must survive that. Shutdown bounds these jobs
	// with the stop timeout like any other.
	m.mu.Lock()
	parent := m.runCtx
	m.mu.Unlock()
	if parent == nil {
		parent = ctx
	}
	runCtx, cancel := context.WithCancel(parent)
	m.trackJob(prep.job.ID, cancel)
	m.wg.Add(1)
	defer m.wg.Done()
	defer m.untrackJob(prep.job.ID)
	defer cancel()

	_ = m.executor.Execute(runCtx, prep.ex)
	return prep.job, nil
}

// CancelJob cancels one running job. Unknown ids raise job-not-found;
// jobs that are not currently executing raise a job-cancel error with
// reason not_running.
func (m *Manager) CancelJob(jobID string) error {
	m.mu.Lock()
	cancel, active := m.active[jobID]
	store := m.jobStore
	m.mu.Unlock()

	if active {
		m.logger.Info("cancelling job", "job_id", jobID)
		cancel()
		return nil
	}
	if store == nil {
		return &fleeterr.InvalidStateError{
			Operation:     "cancelJob",
			CurrentState:  m.State(),
			ExpectedState: StateRunning,
		}
	}
	if _, err := store.Load(jobID); err != nil {
		return err
	}
	return &fleeterr.JobCancelError{JobID: jobID, Reason: fleeterr.CancelReasonNotRunning}
}

// ForkJob launches a new job resuming the session of a finished one.
// opts.Prompt overrides the original prompt.
func (m *Manager) ForkJob(jobID string, opts TriggerOptions) (*TriggerResult, error) {
	m.mu.Lock()
	store := m.jobStore
	m.mu.Unlock()
	if store == nil {
		return nil, &fleeterr.InvalidStateError{
			Operation:     "forkJob",
			CurrentState:  m.State(),
			ExpectedState: StateRunning,
		}
	}

	orig, err := store.Load(jobID)
	if err != nil {
		var notFound *fleeterr.JobNotFoundError
		if errors.As(err, &notFound) {
			return nil, &fleeterr.JobForkError{OriginalJobID: jobID, Reason: fleeterr.ForkReasonJobNotFound, Cause: err}
		}
		return nil, &fleeterr.JobForkError{OriginalJobID: jobID, Reason: fleeterr.ForkReasonUnknown, Cause: err}
	}
	if orig.SessionID == "" {
		return nil, &fleeterr.JobForkError{OriginalJobID: jobID, Reason: fleeterr.ForkReasonNoSession}
	}
	if _, ok := m.AgentByName(orig.AgentName); !ok {
		return nil, &fleeterr.JobForkError{OriginalJobID: jobID, Reason: fleeterr.ForkReasonAgentNotFound}
	}

	forkOpts := opts
	forkOpts.TriggerType = jobs.TriggerFork
	forkOpts.Resume = orig.SessionID
	forkOpts.ForkedFrom = orig.ID
	if forkOpts.Prompt == "" {
		forkOpts.Prompt = orig.Prompt
	}
	return m.Trigger(orig.AgentName, "", forkOpts)
}

// scheduledTrigger is the TriggerFunc the scheduler fires due schedules
// through.
func (m *Manager) scheduledTrigger(agentName, scheduleName string) (string, error) {
	res, err := m.Trigger(agentName, scheduleName, TriggerOptions{TriggerType: jobs.TriggerSchedule})
	if err != nil {
		return "", err
	}
	return res.JobID, nil
}

// ---------- Trigger internals ----------

type preparedJob struct {
	job *jobs.Job
	ex  jobs.Execution
}

func (p *preparedJob) result() *TriggerResult {
	return &TriggerResult{
		JobID:        p.job.ID,
		AgentName:    p.job.AgentName,
		ScheduleName: p.job.ScheduleName,
		Prompt:       p.job.Prompt,
		StartedAt:    p.job.StartedAt,
	}
}

// prepareJob runs the shared front half of every trigger path: state
// check, agent and schedule resolution, prompt computation, concurrency
// slot acquisition, metadata persistence and the job:created emission.
// On return the job is pending on disk and its slot is held by ex.Release.
func (m *Manager) prepareJob(agentName, scheduleName string, opts TriggerOptions) (*preparedJob, error) {
	m.mu.Lock()
	state := m.state
	cfg := m.cfg
	sched := m.sched
	store := m.jobStore
	m.mu.Unlock()

	if state != StateInitialized && state != StateRunning {
		return nil, &fleeterr.InvalidStateError{
			Operation:     "trigger",
			CurrentState:  state,
			ExpectedState: "initialized or running",
		}
	}

	agent, ok := cfg.AgentByName(agentName)
	if !ok {
		return nil, &fleeterr.AgentNotFoundError{
			AgentName:       agentName,
			AvailableAgents: cfg.AgentNames(),
		}
	}

	var schedule *config.Schedule
	if scheduleName != "" {
		schedule, ok = agent.Schedules[scheduleName]
		if !ok {
			return nil, &fleeterr.ScheduleNotFoundError{
				AgentName:          agentName,
				ScheduleName:       scheduleName,
				AvailableSchedules: agent.ScheduleNames(),
			}
		}
	}

	rt, ok := m.registry.Get(agent.Runtime)
	if !ok {
		return nil, &fleeterr.ConfigurationError{
			ValidationErrors: []string{"agent " + agent.Name + ": unknown runtime " + agent.Runtime},
		}
	}

	prompt := opts.Prompt
	if prompt == "" && schedule != nil {
		prompt = schedule.Prompt
	}
	if prompt == "" {
		prompt = defaultPrompt
	}

	triggerType := opts.TriggerType
	if triggerType == "" {
		triggerType = jobs.TriggerManual
	}

	release, err := sched.TryAcquire(agent.Name, scheduleName, agent.MaxConcurrent, opts.BypassConcurrencyLimit)
	if err != nil {
		return nil, err
	}

	job := &jobs.Job{
		AgentName:    agent.Name,
		ScheduleName: scheduleName,
		TriggerType:  triggerType,
		Prompt:       prompt,
		Status:       jobs.StatusPending,
		StartedAt:    time.Now().UTC(),
		ForkedFrom:   opts.ForkedFrom,
	}
	if err := store.Create(job); err != nil {
		release()
		return nil, err
	}

	m.logger.Info("job created", "job_id", job.ID, "agent", agent.Name,
		"trigger", triggerType, "schedule", scheduleName)
	m.bus.Emit(events.JobCreated, events.JobCreatedPayload{
		JobID:        job.ID,
		AgentName:    job.AgentName,
		ScheduleName: job.ScheduleName,
		TriggerType:  job.TriggerType,
		Prompt:       job.Prompt,
		StartedAt:    job.StartedAt,
	})
	if opts.ForkedFrom != "" {
		m.bus.Emit(events.JobForked, events.JobForkedPayload{
			JobID:      job.ID,
			ForkedFrom: opts.ForkedFrom,
			AgentName:  job.AgentName,
			SessionID:  opts.Resume,
		})
	}

	return &preparedJob{
		job: job,
		ex: jobs.Execution{
			Job:    job,
			Runner: rt,
			Request: runner.Request{
				JobID:      job.ID,
				AgentName:  agent.Name,
				Model:      agent.Model,
				Prompt:     prompt,
				WorkingDir: agent.WorkingDir.Root,
				SessionID:  opts.Resume,
				Command:    agent.Runner.Command,
				Env:        agent.Runner.Env,
			},
			OnMessage: opts.OnMessage,
			Release:   release,
		},
	}, nil
}

func (m *Manager) trackJob(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[jobID] = cancel
}

func (m *Manager) untrackJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, jobID)
}
