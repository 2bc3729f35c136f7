package fleeterr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"invalid state", &InvalidStateError{Operation: "start", CurrentState: "uninitialized", ExpectedState: "initialized"}, CodeInvalidState},
		{"agent not found", &AgentNotFoundError{AgentName: "ghost"}, CodeAgentNotFound},
		{"schedule not found", &ScheduleNotFoundError{AgentName: "a", ScheduleName: "s"}, CodeScheduleNotFound},
		{"job not found", &JobNotFoundError{JobID: "job-2026-01-01-abc123"}, CodeJobNotFound},
		{"concurrency limit", &ConcurrencyLimitError{AgentName: "a", CurrentJobs: 2, Limit: 2}, CodeConcurrencyLimit},
		{"configuration", &ConfigurationError{ValidationErrors: []string{"bad"}}, CodeConfiguration},
		{"state dir", &StateDirError{StateDir: "/nope"}, CodeStateDir},
		{"shutdown", &ShutdownError{TimedOut: true}, CodeShutdown},
		{"job cancel", &JobCancelError{JobID: "j", Reason: CancelReasonNotRunning}, CodeJobCancel},
		{"job fork", &JobForkError{OriginalJobID: "j", Reason: ForkReasonNoSession}, CodeJobFork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.code)
			}
			if tt.err.Error() == "" {
				t.Error("Error() returned empty message")
			}
		})
	}
}

func TestErrorCodeNonTyped(t *testing.T) {
	if got := ErrorCode(errors.New("plain")); got != "" {
		t.Errorf("ErrorCode(plain error) = %q, want empty", got)
	}
	if got := ErrorCode(nil); got != "" {
		t.Errorf("ErrorCode(nil) = %q, want empty", got)
	}
}

func TestErrorsAsDetection(t *testing.T) {
	base := &AgentNotFoundError{AgentName: "missing", AvailableAgents: []string{"one", "two"}}
	wrapped := fmt.Errorf("trigger failed: %w", base)

	var nf *AgentNotFoundError
	if !errors.As(wrapped, &nf) {
		t.Fatal("errors.As failed to find AgentNotFoundError through wrapping")
	}
	if nf.AgentName != "missing" {
		t.Errorf("AgentName = %q, want %q", nf.AgentName, "missing")
	}
	if len(nf.AvailableAgents) != 2 {
		t.Errorf("AvailableAgents = %v, want two entries", nf.AvailableAgents)
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &StateDirError{StateDir: "/var/lib/fleet", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the cause through Unwrap")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Error() = %q, want it to mention the cause", err.Error())
	}
}

func TestInvalidStateMessage(t *testing.T) {
	err := &InvalidStateError{Operation: "trigger", CurrentState: "stopped", ExpectedState: "running"}
	msg := err.Error()
	for _, want := range []string{"trigger", "stopped", "running"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestNotFoundMessagesListAvailable(t *testing.T) {
	err := &ScheduleNotFoundError{
		AgentName:          "worker",
		ScheduleName:       "nightly",
		AvailableSchedules: []string{"hourly", "weekly"},
	}
	msg := err.Error()
	if !strings.Contains(msg, "hourly, weekly") {
		t.Errorf("message %q does not list available schedules", msg)
	}
}
