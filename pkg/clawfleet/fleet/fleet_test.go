package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner scripts the runtime: it emits configured raw lines, then
// optionally blocks until released or cancelled.
type fakeRunner struct {
	mu    sync.Mutex
	lines []string
	block chan struct{}
	runs  []runner.Request
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) error {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	lines := f.lines
	block := f.block
	f.mu.Unlock()

	for _, line := range lines {
		msg, err := runner.Parse([]byte(line))
		if err != nil {
			return err
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeRunner) requests() []runner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Request(nil), f.runs...)
}

func registryWith(f *fakeRunner) *runner.Registry {
	reg := runner.NewRegistry()
	reg.Register("sdk", f)
	return reg
}

// recorder collects bus events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) named(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, name string) events.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.named(name); len(got) > 0 {
			return got[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", name)
	return events.Event{}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

const workflowAgent = `name: workflow-agent
model: test-model
max_concurrent: 1
schedules:
  hourly:
    type: interval
    interval: 1h
    prompt: "Check hourly tasks"
    enabled: false
`

// writeTestFleet lays out a fleet file plus agent files and returns the
// fleet file path.
func writeTestFleet(t *testing.T, dir string, agents map[string]string) string {
	t.Helper()
	var refs strings.Builder
	refs.WriteString("agents:\n")
	for _, file := range sortedFiles(agents) {
		refs.WriteString("  - path: " + file + "\n")
		writeFile(t, filepath.Join(dir, file), agents[file])
	}
	fleetPath := filepath.Join(dir, "fleet.yaml")
	writeFile(t, fleetPath, `version: 1
fleet:
  name: test-fleet
  state_dir: state
  scheduler:
    check_interval: 10s
`+refs.String())
	return fleetPath
}

func sortedFiles(agents map[string]string) []string {
	var files []string
	for file := range agents {
		files = append(files, file)
	}
	// Deterministic agent order in the fleet file.
	for i := range files {
		for j := i + 1; j < len(files); j++ {
			if files[j] < files[i] {
				files[i], files[j] = files[j], files[i]
			}
		}
	}
	return files
}

func newTestManager(t *testing.T, fleetPath string, f *fakeRunner) *Manager {
	t.Helper()
	return New(fleetPath, registryWith(f), testLogger())
}

func TestFullLifecycle(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{"workflow-agent.yaml": workflowAgent})

	fr := &fakeRunner{}
	m := newTestManager(t, fleetPath, fr)
	rec := &recorder{}
	m.Bus().On(events.Any, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.State() != StateInitialized {
		t.Fatalf("state = %q after initialize", m.State())
	}
	init := rec.waitFor(t, events.Initialized)
	if p := init.Payload.(events.InitializedPayload); p.AgentCount != 1 {
		t.Errorf("initialized payload = %+v", p)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.Status().State; got != StateRunning {
		t.Fatalf("status state = %q, want running", got)
	}

	// The schedule is enabled:false so it never auto-fires; trigger it by
	// hand and check the job inherits the schedule's prompt.
	res, err := m.Trigger("workflow-agent", "hourly", TriggerOptions{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	created := rec.waitFor(t, events.JobCreated).Payload.(events.JobCreatedPayload)
	if created.TriggerType != jobs.TriggerManual {
		t.Errorf("trigger_type = %q, want manual", created.TriggerType)
	}
	if created.ScheduleName != "hourly" {
		t.Errorf("schedule = %q, want hourly", created.ScheduleName)
	}
	if created.Prompt != "Check hourly tasks" {
		t.Errorf("prompt = %q", created.Prompt)
	}
	if created.JobID != res.JobID {
		t.Errorf("event job id %q != trigger result %q", created.JobID, res.JobID)
	}

	rec.waitFor(t, events.JobCompleted)

	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.State() != StateStopped {
		t.Fatalf("state = %q after stop", m.State())
	}
	rec.waitFor(t, events.Stopped)
}

func TestReloadAddsAgent(t *testing.T) {
	dir := t.TempDir()
	agent1 := "name: agent-1\nmodel: test-model\n"
	fleetPath := writeTestFleet(t, dir, map[string]string{"agent-1.yaml": agent1})

	m := newTestManager(t, fleetPath, &fakeRunner{})
	rec := &recorder{}
	m.Bus().On(events.ConfigReloaded, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": agent1,
		"agent-2.yaml": "name: agent-2\nmodel: test-model\n",
	})
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := rec.named(events.ConfigReloaded)
	if len(got) != 1 {
		t.Fatalf("expected one config:reloaded event, got %d", len(got))
	}
	p := got[0].Payload.(events.ConfigReloadedPayload)
	if p.AgentCount != 2 {
		t.Errorf("agent count = %d, want 2", p.AgentCount)
	}
	found := false
	for _, c := range p.Changes {
		if c.Type == config.ChangeAdded && c.Category == config.CategoryAgent && c.Name == "agent-2" {
			found = true
		}
	}
	if !found {
		t.Errorf("changes missing added agent-2: %+v", p.Changes)
	}
}

func TestInitializeDuplicateAgentNames(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"a.yaml": "name: duplicate-name\nmodel: test-model\n",
		"b.yaml": "name: duplicate-name\nmodel: test-model\n",
	})

	m := newTestManager(t, fleetPath, &fakeRunner{})
	err := m.Initialize()
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	var cfgErr *fleeterr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(err.Error(), "duplicate-name") {
		t.Errorf("error does not name the collision: %v", err)
	}
	if m.State() != StateError {
		t.Errorf("state = %q, want error", m.State())
	}
}

func TestFailedReloadKeepsConfig(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})

	m := newTestManager(t, fleetPath, &fakeRunner{})
	rec := &recorder{}
	m.Bus().On(events.ConfigReloaded, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := m.Config()

	writeFile(t, fleetPath, "version: 1\nfleet: [broken\n")
	if err := m.Reload(); err == nil {
		t.Fatal("expected reload to fail")
	}

	if m.Config() != before {
		t.Error("failed reload replaced the config")
	}
	if len(rec.named(events.ConfigReloaded)) != 0 {
		t.Error("failed reload emitted config:reloaded")
	}
	if got := m.Config().AgentNames(); len(got) != 1 || got[0] != "agent-1" {
		t.Errorf("agents after failed reload = %v", got)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\nmax_concurrent: 1\n",
	})

	block := make(chan struct{})
	fr := &fakeRunner{block: block}
	m := newTestManager(t, fleetPath, fr)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.Trigger("agent-1", "", TriggerOptions{}); err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	_, err := m.Trigger("agent-1", "", TriggerOptions{})
	var limitErr *fleeterr.ConcurrencyLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("second trigger error = %v, want concurrency-limit", err)
	}
	if limitErr.CurrentJobs != 1 || limitErr.Limit != 1 {
		t.Errorf("limit error = %+v", limitErr)
	}

	// Bypass gets through the cap.
	if _, err := m.Trigger("agent-1", "", TriggerOptions{BypassConcurrencyLimit: true}); err != nil {
		t.Fatalf("bypass trigger: %v", err)
	}

	close(block)
	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTriggerUnknownAgentAndSchedule(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{"workflow-agent.yaml": workflowAgent})

	m := newTestManager(t, fleetPath, &fakeRunner{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := m.Trigger("nope", "", TriggerOptions{})
	var agentErr *fleeterr.AgentNotFoundError
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %v, want agent-not-found", err)
	}
	if len(agentErr.AvailableAgents) != 1 || agentErr.AvailableAgents[0] != "workflow-agent" {
		t.Errorf("available agents = %v", agentErr.AvailableAgents)
	}

	_, err = m.Trigger("workflow-agent", "nope", TriggerOptions{})
	var schedErr *fleeterr.ScheduleNotFoundError
	if !errors.As(err, &schedErr) {
		t.Fatalf("error = %v, want schedule-not-found", err)
	}
	if len(schedErr.AvailableSchedules) != 1 || schedErr.AvailableSchedules[0] != "hourly" {
		t.Errorf("available schedules = %v", schedErr.AvailableSchedules)
	}
}

func TestTriggerBeforeInitialize(t *testing.T) {
	m := New("nowhere.yaml", registryWith(&fakeRunner{}), testLogger())
	_, err := m.Trigger("agent-1", "", TriggerOptions{})
	var stateErr *fleeterr.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("error = %v, want invalid-state", err)
	}
	if stateErr.CurrentState != StateUninitialized {
		t.Errorf("current state = %q", stateErr.CurrentState)
	}
}

func TestInitializeTwice(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})
	m := newTestManager(t, fleetPath, &fakeRunner{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := m.Initialize()
	var stateErr *fleeterr.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("second initialize error = %v, want invalid-state", err)
	}
}

func TestCancelJob(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})

	fr := &fakeRunner{block: make(chan struct{})}
	m := newTestManager(t, fleetPath, fr)
	rec := &recorder{}
	m.Bus().On(events.JobCancelled, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := m.Trigger("agent-1", "", TriggerOptions{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := m.CancelJob(res.JobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	cancelled := rec.waitFor(t, events.JobCancelled).Payload.(events.JobCancelledPayload)
	if cancelled.JobID != res.JobID {
		t.Errorf("cancelled job = %q, want %q", cancelled.JobID, res.JobID)
	}

	// The job is terminal now; a second cancel reports not_running.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = m.CancelJob(res.JobID)
		var cancelErr *fleeterr.JobCancelError
		if errors.As(err, &cancelErr) {
			if cancelErr.Reason != fleeterr.CancelReasonNotRunning {
				t.Errorf("reason = %q", cancelErr.Reason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second cancel error = %v, want job-cancel", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Unknown id surfaces job-not-found.
	err = m.CancelJob("job-2026-01-01-zzzzzz")
	var notFound *fleeterr.JobNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("unknown id error = %v, want job-not-found", err)
	}

	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestForkJob(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\nmax_concurrent: 2\n",
	})

	fr := &fakeRunner{lines: []string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"done"}]}}`,
	}}
	m := newTestManager(t, fleetPath, fr)
	rec := &recorder{}
	m.Bus().On(events.Any, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := m.Trigger("agent-1", "", TriggerOptions{Prompt: "start here"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	rec.waitFor(t, events.JobCompleted)

	forked, err := m.ForkJob(res.JobID, TriggerOptions{})
	if err != nil {
		t.Fatalf("ForkJob: %v", err)
	}
	if forked.Prompt != "start here" {
		t.Errorf("fork prompt = %q, want the original's", forked.Prompt)
	}

	forkEvent := rec.waitFor(t, events.JobForked).Payload.(events.JobForkedPayload)
	if forkEvent.ForkedFrom != res.JobID || forkEvent.SessionID != "sess-1" {
		t.Errorf("job:forked payload = %+v", forkEvent)
	}

	// The fork resumed the captured session.
	deadline := time.Now().Add(5 * time.Second)
	for len(fr.requests()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reqs := fr.requests()
	if len(reqs) < 2 || reqs[1].SessionID != "sess-1" {
		t.Fatalf("fork requests = %+v", reqs)
	}

	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestForkJobNoSession(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})

	fr := &fakeRunner{}
	m := newTestManager(t, fleetPath, fr)
	rec := &recorder{}
	m.Bus().On(events.JobCompleted, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := m.Trigger("agent-1", "", TriggerOptions{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	rec.waitFor(t, events.JobCompleted)

	_, err = m.ForkJob(res.JobID, TriggerOptions{})
	var forkErr *fleeterr.JobForkError
	if !errors.As(err, &forkErr) || forkErr.Reason != fleeterr.ForkReasonNoSession {
		t.Fatalf("error = %v, want job-fork/no_session", err)
	}

	_, err = m.ForkJob("job-2026-01-01-zzzzzz", TriggerOptions{})
	if !errors.As(err, &forkErr) || forkErr.Reason != fleeterr.ForkReasonJobNotFound {
		t.Fatalf("error = %v, want job-fork/job_not_found", err)
	}

	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopCancelOnTimeout(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})

	fr := &fakeRunner{block: make(chan struct{})}
	m := newTestManager(t, fleetPath, fr)
	rec := &recorder{}
	m.Bus().On(events.JobCancelled, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Trigger("agent-1", "", TriggerOptions{}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	err := m.Stop(StopOptions{
		Timeout:         50 * time.Millisecond,
		CancelOnTimeout: true,
		CancelTimeout:   5 * time.Second,
	})
	var shutdownErr *fleeterr.ShutdownError
	if !errors.As(err, &shutdownErr) || !shutdownErr.TimedOut {
		t.Fatalf("error = %v, want shutdown/timed-out", err)
	}
	if m.State() != StateStopped {
		t.Errorf("state = %q, want stopped even after timeout", m.State())
	}
	if len(rec.named(events.JobCancelled)) != 1 {
		t.Errorf("expected the lingering job to be cancelled")
	}
}

func TestChatTriggerRunsSynchronously(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})

	fr := &fakeRunner{lines: []string{
		`{"type":"assistant","session_id":"sess-9","message":{"content":[{"type":"text","text":"hello"}]}}`,
	}}
	m := newTestManager(t, fleetPath, fr)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var seen []string
	job, err := m.ChatTrigger(context.Background(), "agent-1", channels.TriggerRequest{
		Prompt: "hi there",
		OnMessage: func(msg *runner.Message) error {
			seen = append(seen, msg.Type)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("ChatTrigger: %v", err)
	}
	if !job.Terminal() || job.Status != jobs.StatusCompleted {
		t.Errorf("job status = %q, want completed on return", job.Status)
	}
	if job.SessionID != "sess-9" {
		t.Errorf("session id = %q", job.SessionID)
	}
	if job.TriggerType != jobs.TriggerChat {
		t.Errorf("trigger type = %q", job.TriggerType)
	}
	if len(seen) != 1 || seen[0] != runner.MessageAssistant {
		t.Errorf("streamed messages = %v", seen)
	}

	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestChatJobSurvivesHandlerCancel(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{
		"agent-1.yaml": "name: agent-1\nmodel: test-model\n",
	})

	block := make(chan struct{})
	fr := &fakeRunner{
		lines: []string{
			`{"type":"assistant","session_id":"sess-3","message":{"content":[{"type":"text","text":"working"}]}}`,
		},
		block: block,
	}
	m := newTestManager(t, fleetPath, fr)
	rec := &recorder{}
	m.Bus().On(events.Any, rec.record)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The handler context stands in for a chat connector's: it dies when
	// the connector disconnects, and the in-flight job must not die with it.
	handlerCtx, handlerCancel := context.WithCancel(context.Background())
	done := make(chan *jobs.Job, 1)
	go func() {
		job, err := m.ChatTrigger(handlerCtx, "agent-1", channels.TriggerRequest{Prompt: "long task"})
		if err != nil {
			t.Errorf("ChatTrigger: %v", err)
			done <- nil
			return
		}
		done <- job
	}()

	rec.waitFor(t, events.JobCreated)
	handlerCancel()
	time.Sleep(50 * time.Millisecond)
	close(block)

	job := <-done
	if job == nil {
		t.Fatal("chat trigger failed")
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("job status = %q, want completed despite handler cancel", job.Status)
	}

	if err := m.Stop(StopOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStatusAndAgentInfo(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{"workflow-agent.yaml": workflowAgent})

	m := newTestManager(t, fleetPath, &fakeRunner{})
	if got := m.Status(); got.State != StateUninitialized {
		t.Errorf("uninitialized status = %+v", got)
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	s := m.Status()
	if s.FleetName != "test-fleet" || s.AgentCount != 1 || s.ScheduleCount != 1 {
		t.Errorf("status = %+v", s)
	}

	info, err := m.AgentInfoByName("workflow-agent")
	if err != nil {
		t.Fatalf("AgentInfoByName: %v", err)
	}
	if info.Model != "test-model" || info.MaxConcurrent != 1 || len(info.Schedules) != 1 {
		t.Errorf("agent info = %+v", info)
	}
	if info.Schedules[0].ScheduleName != "hourly" || info.Schedules[0].Enabled {
		t.Errorf("schedule snapshot = %+v", info.Schedules[0])
	}

	if _, err := m.AgentInfoByName("nope"); err == nil {
		t.Error("unknown agent should fail")
	}
}

func TestScheduleToggle(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeTestFleet(t, dir, map[string]string{"workflow-agent.yaml": workflowAgent})

	m := newTestManager(t, fleetPath, &fakeRunner{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := m.DisableSchedule("workflow-agent", "hourly"); err != nil {
		t.Fatalf("DisableSchedule: %v", err)
	}
	snap, err := m.Schedule("workflow-agent", "hourly")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if snap.Status != "disabled" {
		t.Errorf("status = %q, want disabled", snap.Status)
	}
	if err := m.EnableSchedule("workflow-agent", "hourly"); err != nil {
		t.Fatalf("EnableSchedule: %v", err)
	}

	err = m.DisableSchedule("workflow-agent", "nope")
	var schedErr *fleeterr.ScheduleNotFoundError
	if !errors.As(err, &schedErr) {
		t.Fatalf("error = %v, want schedule-not-found", err)
	}
}
