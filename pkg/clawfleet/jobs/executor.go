package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// Execution describes one job run: the persisted job, the runtime that
// will execute it, and the request snapshotted from the agent's config at
// trigger time. Reloads never touch a running execution.
type Execution struct {
	Job     *Job
	Runner  runner.Runner
	Request runner.Request

	// OnMessage, when set, receives every stream message synchronously
	// after it is persisted and emitted. A slow callback back-pressures
	// the stream; an error aborts the run.
	OnMessage runner.EmitFunc

	// Release frees the agent's concurrency slot. The executor calls it
	// exactly once on every path, before the terminal event is emitted.
	Release func()
}

// Executor drives jobs from pending to a terminal state: it runs the
// runtime, persists every output message, keeps the metadata current and
// emits the job lifecycle events.
type Executor struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

func NewExecutor(store *Store, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  store,
		bus:    bus,
		logger: logger.With("component", "executor"),
	}
}

// Execute runs one job to completion and blocks until its terminal event
// has been emitted. Callers that do not need the result launch it on its
// own goroutine. The returned error mirrors the terminal state for
// callers that await the run; every failure is already absorbed into the
// job's metadata and events by the time Execute returns.
func (e *Executor) Execute(ctx context.Context, ex Execution) error {
	job := ex.Job

	job.Status = StatusRunning
	if err := e.store.Save(job); err != nil {
		return e.finishFailed(ex, fmt.Errorf("persisting running status: %w", err))
	}
	e.logger.Info("job running", "job_id", job.ID, "agent", job.AgentName, "trigger", job.TriggerType)

	// streamError records an SDK error message seen mid-stream. The
	// stream is allowed to finish; the job still fails afterwards.
	var streamError string

	emit := func(msg *runner.Message) error {
		if err := e.store.AppendOutput(job.ID, msg.Raw); err != nil {
			return fmt.Errorf("persisting output: %w", err)
		}
		e.bus.Emit(events.JobOutput, events.JobOutputPayload{
			JobID:     job.ID,
			AgentName: job.AgentName,
			Message:   msg.Raw,
		})
		if ex.OnMessage != nil {
			if err := ex.OnMessage(msg); err != nil {
				return fmt.Errorf("message callback: %w", err)
			}
		}
		if msg.SessionID != "" && msg.SessionID != job.SessionID {
			job.SessionID = msg.SessionID
			if err := e.store.Save(job); err != nil {
				e.logger.Warn("failed to persist session id", "job_id", job.ID, "error", err)
			}
		}
		if msg.Type == runner.MessageError && streamError == "" {
			streamError = msg.ErrorText()
			if streamError == "" {
				streamError = "runtime reported an error"
			}
		}
		return nil
	}

	runErr := ex.Runner.Run(ctx, ex.Request, emit)

	switch {
	case ctx.Err() != nil:
		return e.finishCancelled(ex)
	case runErr != nil:
		return e.finishFailed(ex, runErr)
	case streamError != "":
		return e.finishFailed(ex, errors.New(streamError))
	default:
		return e.finishCompleted(ex)
	}
}

func (e *Executor) finishCompleted(ex Execution) error {
	job := ex.Job
	e.terminate(job, StatusCompleted, ExitSuccess, "")
	e.release(ex)
	e.bus.Emit(events.JobCompleted, events.JobCompletedPayload{
		JobID:     job.ID,
		AgentName: job.AgentName,
		Duration:  job.Duration(),
	})
	e.logger.Info("job completed", "job_id", job.ID, "agent", job.AgentName,
		"duration", job.Duration().Round(time.Millisecond))
	return nil
}

func (e *Executor) finishFailed(ex Execution, cause error) error {
	job := ex.Job
	e.terminate(job, StatusFailed, ExitError, cause.Error())
	e.release(ex)
	e.bus.Emit(events.JobFailed, events.JobFailedPayload{
		JobID:     job.ID,
		AgentName: job.AgentName,
		Error:     cause.Error(),
	})
	e.logger.Error("job failed", "job_id", job.ID, "agent", job.AgentName, "error", cause)
	return cause
}

func (e *Executor) finishCancelled(ex Execution) error {
	job := ex.Job
	e.terminate(job, StatusCancelled, ExitCancelled, "")
	e.release(ex)
	e.bus.Emit(events.JobCancelled, events.JobCancelledPayload{
		JobID:     job.ID,
		AgentName: job.AgentName,
	})
	e.logger.Info("job cancelled", "job_id", job.ID, "agent", job.AgentName)
	return context.Canceled
}

// terminate writes the terminal metadata. A persistence failure here is
// logged but does not change the outcome: the in-memory job and the
// emitted events stay authoritative.
func (e *Executor) terminate(job *Job, status, exitReason, errorMessage string) {
	now := time.Now().UTC()
	job.Status = status
	job.ExitReason = exitReason
	job.ErrorMessage = errorMessage
	job.FinishedAt = &now
	if err := e.store.Save(job); err != nil {
		e.logger.Error("failed to persist terminal job state",
			"job_id", job.ID, "status", status, "error", err)
	}
}

func (e *Executor) release(ex Execution) {
	if ex.Release != nil {
		ex.Release()
	}
}
