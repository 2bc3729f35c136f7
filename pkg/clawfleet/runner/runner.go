package runner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Request carries everything a runtime needs to execute one job.
type Request struct {
	JobID      string
	AgentName  string
	Model      string
	Prompt     string
	WorkingDir string

	// SessionID resumes an existing runtime session when set.
	SessionID string

	// Command overrides the runtime's default argv (exec runtime).
	Command []string

	// Env is merged over the inherited environment.
	Env map[string]string
}

// EmitFunc receives each message as the runtime produces it, on the
// runtime's goroutine. Returning an error aborts the run. A slow EmitFunc
// back-pressures the stream; runtimes must not buffer around it.
type EmitFunc func(*Message) error

// Runner executes one job and streams its messages through emit. Run
// blocks until the stream ends; ctx cancellation aborts the run.
type Runner interface {
	Run(ctx context.Context, req Request, emit EmitFunc) error
}

// Registry maps agent runtime tags to runners. Which runtimes exist is a
// wiring decision, so lookup failures surface at fleet initialization
// rather than config parse time.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a runtime tag. Re-registering replaces the previous
// runner, which is how tests slot in fakes.
func (r *Registry) Register(runtime string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runtime] = runner
}

func (r *Registry) Get(runtime string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[runtime]
	return runner, ok
}

// Runtimes returns the registered runtime tags, sorted.
func (r *Registry) Runtimes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.runners))
	for tag := range r.runners {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// DefaultRegistry returns the standard runtime set: "sdk" drives the
// claude CLI in stream-json mode, "exec" runs an agent-configured argv.
func DefaultRegistry(logger *slog.Logger) *Registry {
	reg := NewRegistry()
	reg.Register("sdk", NewSDKRunner(logger))
	reg.Register("exec", NewExecRunner(logger))
	return reg
}
