package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// fakeRunner emits a scripted message sequence, then returns err. When
// block is set it waits for ctx cancellation (or block close) first.
type fakeRunner struct {
	lines []string
	err   error
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) error {
	for _, raw := range f.lines {
		msg, err := runner.Parse([]byte(raw))
		if err != nil {
			return err
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	if f.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.block:
		}
	}
	return f.err
}

// eventRecorder captures bus traffic and slot releases in arrival order.
type eventRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *eventRecorder) add(entry string) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func newTestExecutor(t *testing.T) (*Executor, *Store, *events.Bus) {
	t.Helper()
	store := newTestStore(t)
	bus := events.NewBus(testLogger())
	return NewExecutor(store, bus, testLogger()), store, bus
}

func TestExecuteCompletedPath(t *testing.T) {
	exec, store, bus := newTestExecutor(t)
	job := createJob(t, store, "agent-1", time.Now().UTC(), StatusPending)

	rec := &eventRecorder{}
	bus.On(events.JobOutput, func(ev events.Event) {
		p := ev.Payload.(events.JobOutputPayload)
		rec.add("output:" + string(p.Message))
	})
	bus.On(events.JobCompleted, func(ev events.Event) { rec.add("completed") })

	lines := []string{
		`{"type":"system","subtype":"init","session_id":"sess-42"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"done it"}]}}`,
		`{"type":"result","subtype":"success","result":"done it"}`,
	}
	err := exec.Execute(context.Background(), Execution{
		Job:     job,
		Runner:  &fakeRunner{lines: lines},
		Request: runner.Request{JobID: job.ID, AgentName: job.AgentName, Prompt: job.Prompt},
		Release: func() { rec.add("release") },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Persisted terminal state.
	saved, err := store.Load(job.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.Status != StatusCompleted || saved.ExitReason != ExitSuccess {
		t.Errorf("status/exit = %q/%q, want completed/success", saved.Status, saved.ExitReason)
	}
	if saved.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if saved.SessionID != "sess-42" {
		t.Errorf("session_id = %q, want sess-42 (captured from stream)", saved.SessionID)
	}

	// Output order on disk matches emission order, slot released before
	// the terminal event.
	want := []string{
		"output:" + lines[0],
		"output:" + lines[1],
		"output:" + lines[2],
		"release",
		"completed",
	}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("event sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	msgs, err := store.ReadOutput(job.ID)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if len(msgs) != len(lines) {
		t.Fatalf("persisted %d lines, want %d", len(msgs), len(lines))
	}
	for i, msg := range msgs {
		if string(msg.Raw) != lines[i] {
			t.Errorf("persisted line %d = %s, want %s", i, msg.Raw, lines[i])
		}
	}
}

func TestExecuteRunnerFailure(t *testing.T) {
	exec, store, bus := newTestExecutor(t)
	job := createJob(t, store, "agent-1", time.Now().UTC(), StatusPending)

	rec := &eventRecorder{}
	bus.On(events.JobFailed, func(ev events.Event) {
		p := ev.Payload.(events.JobFailedPayload)
		rec.add("failed:" + p.Error)
	})

	err := exec.Execute(context.Background(), Execution{
		Job:     job,
		Runner:  &fakeRunner{err: errors.New("runner exited: exit status 1")},
		Request: runner.Request{JobID: job.ID},
		Release: func() { rec.add("release") },
	})
	if err == nil {
		t.Fatal("Execute should surface the runner failure")
	}

	saved, _ := store.Load(job.ID)
	if saved.Status != StatusFailed || saved.ExitReason != ExitError {
		t.Errorf("status/exit = %q/%q, want failed/error", saved.Status, saved.ExitReason)
	}
	if !strings.Contains(saved.ErrorMessage, "exit status 1") {
		t.Errorf("error_message = %q", saved.ErrorMessage)
	}

	got := rec.all()
	if len(got) != 2 || got[0] != "release" || !strings.HasPrefix(got[1], "failed:") {
		t.Errorf("event sequence %v, want release before job:failed", got)
	}
}

func TestExecuteErrorMessageFailsJob(t *testing.T) {
	exec, store, _ := newTestExecutor(t)
	job := createJob(t, store, "agent-1", time.Now().UTC(), StatusPending)

	lines := []string{
		`{"type":"assistant","message":{"content":"working on it"}}`,
		`{"type":"error","error":"model overloaded"}`,
	}
	err := exec.Execute(context.Background(), Execution{
		Job:     job,
		Runner:  &fakeRunner{lines: lines},
		Request: runner.Request{JobID: job.ID},
	})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("Execute = %v, want the stream error surfaced", err)
	}

	saved, _ := store.Load(job.ID)
	if saved.Status != StatusFailed || saved.ExitReason != ExitError {
		t.Errorf("status/exit = %q/%q, want failed/error", saved.Status, saved.ExitReason)
	}
	if saved.ErrorMessage != "model overloaded" {
		t.Errorf("error_message = %q, want the stream error text", saved.ErrorMessage)
	}

	// The stream ran to its end: both lines persisted.
	msgs, _ := store.ReadOutput(job.ID)
	if len(msgs) != 2 {
		t.Errorf("persisted %d lines, want 2", len(msgs))
	}
}

func TestExecuteCancellation(t *testing.T) {
	exec, store, bus := newTestExecutor(t)
	job := createJob(t, store, "agent-1", time.Now().UTC(), StatusPending)

	rec := &eventRecorder{}
	cancelled := make(chan struct{})
	bus.On(events.JobCancelled, func(ev events.Event) {
		rec.add("cancelled")
		close(cancelled)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- exec.Execute(ctx, Execution{
			Job:     job,
			Runner:  &fakeRunner{lines: []string{`{"type":"assistant","message":{"content":"hi"}}`}, block: make(chan struct{})},
			Request: runner.Request{JobID: job.ID},
			Release: func() { rec.add("release") },
		})
	}()

	// Let the stream start, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Execute = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	<-cancelled
	saved, _ := store.Load(job.ID)
	if saved.Status != StatusCancelled || saved.ExitReason != ExitCancelled {
		t.Errorf("status/exit = %q/%q, want cancelled/cancelled", saved.Status, saved.ExitReason)
	}
	got := rec.all()
	if len(got) != 2 || got[0] != "release" || got[1] != "cancelled" {
		t.Errorf("event sequence %v, want release before job:cancelled", got)
	}
}

func TestExecuteOnMessageBackPressure(t *testing.T) {
	exec, store, _ := newTestExecutor(t)
	job := createJob(t, store, "agent-1", time.Now().UTC(), StatusPending)

	var seen []string
	onMessage := func(msg *runner.Message) error {
		// Simulate a slow consumer; emission must wait for us.
		time.Sleep(10 * time.Millisecond)
		seen = append(seen, msg.Type)
		return nil
	}

	lines := []string{
		`{"type":"assistant","message":{"content":"a"}}`,
		`{"type":"assistant","message":{"content":"b"}}`,
		`{"type":"result","subtype":"success"}`,
	}
	err := exec.Execute(context.Background(), Execution{
		Job:       job,
		Runner:    &fakeRunner{lines: lines},
		Request:   runner.Request{JobID: job.ID},
		OnMessage: onMessage,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Appends from the callback without synchronization stay safe because
	// the executor awaits each call before the next emit.
	if len(seen) != 3 {
		t.Fatalf("onMessage saw %d messages, want 3", len(seen))
	}
}

func TestExecuteOnMessageErrorAbortsRun(t *testing.T) {
	exec, store, _ := newTestExecutor(t)
	job := createJob(t, store, "agent-1", time.Now().UTC(), StatusPending)

	calls := 0
	onMessage := func(msg *runner.Message) error {
		calls++
		if calls == 2 {
			return errors.New("consumer gave up")
		}
		return nil
	}

	lines := []string{
		`{"type":"assistant","message":{"content":"a"}}`,
		`{"type":"assistant","message":{"content":"b"}}`,
		`{"type":"assistant","message":{"content":"c"}}`,
	}
	err := exec.Execute(context.Background(), Execution{
		Job:       job,
		Runner:    &fakeRunner{lines: lines},
		Request:   runner.Request{JobID: job.ID},
		OnMessage: onMessage,
	})
	if err == nil || !strings.Contains(err.Error(), "consumer gave up") {
		t.Fatalf("Execute = %v, want the callback error surfaced", err)
	}
	if calls != 2 {
		t.Errorf("onMessage called %d times, want 2 (run aborted)", calls)
	}

	saved, _ := store.Load(job.ID)
	if saved.Status != StatusFailed {
		t.Errorf("status = %q, want failed", saved.Status)
	}
}
