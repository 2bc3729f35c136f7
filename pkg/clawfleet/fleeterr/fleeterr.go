// Package fleeterr defines the typed errors raised by the fleet control
// surface. Every error kind exposes a stable Code string plus the fields a
// caller needs to react programmatically; use errors.As to detect kinds and
// Unwrap to reach an underlying cause.
package fleeterr

import (
	"fmt"
	"strings"
)

// Stable error codes. These are part of the public contract and never change.
const (
	CodeInvalidState     = "invalid-state"
	CodeAgentNotFound    = "agent-not-found"
	CodeScheduleNotFound = "schedule-not-found"
	CodeJobNotFound      = "job-not-found"
	CodeConcurrencyLimit = "concurrency-limit"
	CodeConfiguration    = "configuration"
	CodeStateDir         = "state-dir"
	CodeShutdown         = "shutdown"
	CodeJobCancel        = "job-cancel"
	CodeJobFork          = "job-fork"
)

// coder is implemented by every error in this package.
type coder interface {
	Code() string
}

// ErrorCode returns the stable code for err, or "" when err does not carry one.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := err.(coder); ok {
		return c.Code()
	}
	return ""
}

// InvalidStateError reports a control operation called while the manager is
// in the wrong state.
type InvalidStateError struct {
	Operation     string
	CurrentState  string
	ExpectedState string
	Cause         error
}

func (e *InvalidStateError) Code() string { return CodeInvalidState }

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid manager state %q (expected %s)",
		e.Operation, e.CurrentState, e.ExpectedState)
}

func (e *InvalidStateError) Unwrap() error { return e.Cause }

// AgentNotFoundError reports an unknown agent name.
type AgentNotFoundError struct {
	AgentName       string
	AvailableAgents []string
	Cause           error
}

func (e *AgentNotFoundError) Code() string { return CodeAgentNotFound }

func (e *AgentNotFoundError) Error() string {
	if len(e.AvailableAgents) == 0 {
		return fmt.Sprintf("agent %q not found", e.AgentName)
	}
	return fmt.Sprintf("agent %q not found (available: %s)",
		e.AgentName, strings.Join(e.AvailableAgents, ", "))
}

func (e *AgentNotFoundError) Unwrap() error { return e.Cause }

// ScheduleNotFoundError reports an unknown schedule on a known agent.
type ScheduleNotFoundError struct {
	AgentName          string
	ScheduleName       string
	AvailableSchedules []string
	Cause              error
}

func (e *ScheduleNotFoundError) Code() string { return CodeScheduleNotFound }

func (e *ScheduleNotFoundError) Error() string {
	if len(e.AvailableSchedules) == 0 {
		return fmt.Sprintf("schedule %q not found on agent %q", e.ScheduleName, e.AgentName)
	}
	return fmt.Sprintf("schedule %q not found on agent %q (available: %s)",
		e.ScheduleName, e.AgentName, strings.Join(e.AvailableSchedules, ", "))
}

func (e *ScheduleNotFoundError) Unwrap() error { return e.Cause }

// JobNotFoundError reports an unknown job id.
type JobNotFoundError struct {
	JobID string
	Cause error
}

func (e *JobNotFoundError) Code() string { return CodeJobNotFound }

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %q not found", e.JobID)
}

func (e *JobNotFoundError) Unwrap() error { return e.Cause }

// ConcurrencyLimitError reports a trigger blocked by an agent's
// max_concurrent cap.
type ConcurrencyLimitError struct {
	AgentName   string
	CurrentJobs int
	Limit       int
	Cause       error
}

func (e *ConcurrencyLimitError) Code() string { return CodeConcurrencyLimit }

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("agent %q at concurrency limit (%d/%d non-terminal jobs)",
		e.AgentName, e.CurrentJobs, e.Limit)
}

func (e *ConcurrencyLimitError) Unwrap() error { return e.Cause }

// ConfigurationError reports a parse or validation failure, including
// duplicate agent names.
type ConfigurationError struct {
	ConfigPath       string
	ValidationErrors []string
	Cause            error
}

func (e *ConfigurationError) Code() string { return CodeConfiguration }

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.ConfigPath != "" {
		msg = fmt.Sprintf("invalid configuration %q", e.ConfigPath)
	}
	if len(e.ValidationErrors) > 0 {
		return msg + ": " + strings.Join(e.ValidationErrors, "; ")
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// StateDirError reports a state directory that could not be created or
// accessed.
type StateDirError struct {
	StateDir string
	Cause    error
}

func (e *StateDirError) Code() string { return CodeStateDir }

func (e *StateDirError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("state directory %q: %v", e.StateDir, e.Cause)
	}
	return fmt.Sprintf("state directory %q unusable", e.StateDir)
}

func (e *StateDirError) Unwrap() error { return e.Cause }

// ShutdownError reports a stop that timed out or failed. The manager still
// transitions to stopped when this is raised.
type ShutdownError struct {
	TimedOut bool
	Cause    error
}

func (e *ShutdownError) Code() string { return CodeShutdown }

func (e *ShutdownError) Error() string {
	if e.TimedOut {
		return "shutdown timed out waiting for jobs"
	}
	if e.Cause != nil {
		return fmt.Sprintf("shutdown failed: %v", e.Cause)
	}
	return "shutdown failed"
}

func (e *ShutdownError) Unwrap() error { return e.Cause }

// Cancellation failure reasons.
const (
	CancelReasonNotRunning   = "not_running"
	CancelReasonProcessError = "process_error"
	CancelReasonTimeout      = "timeout"
	CancelReasonUnknown      = "unknown"
)

// JobCancelError reports a failed cancellation attempt.
type JobCancelError struct {
	JobID  string
	Reason string
	Cause  error
}

func (e *JobCancelError) Code() string { return CodeJobCancel }

func (e *JobCancelError) Error() string {
	return fmt.Sprintf("cancel job %q: %s", e.JobID, e.Reason)
}

func (e *JobCancelError) Unwrap() error { return e.Cause }

// Fork failure reasons.
const (
	ForkReasonNoSession     = "no_session"
	ForkReasonJobNotFound   = "job_not_found"
	ForkReasonAgentNotFound = "agent_not_found"
	ForkReasonUnknown       = "unknown"
)

// JobForkError reports a failed fork attempt from a prior job.
type JobForkError struct {
	OriginalJobID string
	Reason        string
	Cause         error
}

func (e *JobForkError) Code() string { return CodeJobFork }

func (e *JobForkError) Error() string {
	return fmt.Sprintf("fork job %q: %s", e.OriginalJobID, e.Reason)
}

func (e *JobForkError) Unwrap() error { return e.Cause }
