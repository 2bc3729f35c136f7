// Package events implements the fleet's in-process event bus: a small
// publish-subscribe dispatcher with typed payloads, synchronous fan-out in
// registration order, and panic isolation per subscriber.
package events

import (
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
)

// Event names emitted by the fleet. These strings are stable.
const (
	// Any matches every event when passed to Bus.On.
	Any = "*"

	Initialized    = "initialized"
	Started        = "started"
	Stopped        = "stopped"
	ConfigReloaded = "config:reloaded"

	AgentStarted = "agent:started"
	AgentStopped = "agent:stopped"

	ScheduleTriggered = "schedule:triggered"
	ScheduleSkipped   = "schedule:skipped"

	JobCreated   = "job:created"
	JobOutput    = "job:output"
	JobCompleted = "job:completed"
	JobFailed    = "job:failed"
	JobCancelled = "job:cancelled"
	JobForked    = "job:forked"

	DiscordError          = "discord:error"
	DiscordMessageHandled = "discord:message:handled"
	DiscordMessageError   = "discord:message:error"

	SlackError          = "slack:error"
	SlackMessageHandled = "slack:message:handled"
	SlackMessageError   = "slack:message:error"
)

// Skip reasons carried by ScheduleSkippedPayload.
const (
	SkipReasonDisabled       = "disabled"
	SkipReasonRunning        = "running"
	SkipReasonAlreadyRunning = "already_running"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	// ID is a unique id assigned at emission.
	ID string
	// Name is one of the event name constants above.
	Name string
	// Timestamp is the emission time.
	Timestamp time.Time
	// Payload holds the event-specific payload struct (by value).
	Payload any
}

// InitializedPayload accompanies the initialized event.
type InitializedPayload struct {
	ConfigPath string
	AgentCount int
}

// StartedPayload accompanies the started event.
type StartedPayload struct {
	AgentCount int
}

// StoppedPayload accompanies the stopped event.
type StoppedPayload struct {
	Uptime time.Duration
}

// ConfigReloadedPayload accompanies config:reloaded.
type ConfigReloadedPayload struct {
	AgentCount int
	AgentNames []string
	ConfigPath string
	Changes    []config.Change
	Timestamp  time.Time
}

// AgentPayload accompanies agent:started and agent:stopped.
type AgentPayload struct {
	AgentName string
}

// ScheduleTriggeredPayload accompanies schedule:triggered.
type ScheduleTriggeredPayload struct {
	AgentName    string
	ScheduleName string
	JobID        string
}

// ScheduleSkippedPayload accompanies schedule:skipped.
type ScheduleSkippedPayload struct {
	AgentName    string
	ScheduleName string
	Reason       string
}

// JobCreatedPayload accompanies job:created.
type JobCreatedPayload struct {
	JobID        string
	AgentName    string
	ScheduleName string
	TriggerType  string
	Prompt       string
	StartedAt    time.Time
}

// JobOutputPayload accompanies job:output. Message is the raw JSON of the
// SDK message exactly as appended to the output log.
type JobOutputPayload struct {
	JobID     string
	AgentName string
	Message   []byte
}

// JobCompletedPayload accompanies job:completed.
type JobCompletedPayload struct {
	JobID     string
	AgentName string
	Duration  time.Duration
}

// JobFailedPayload accompanies job:failed.
type JobFailedPayload struct {
	JobID     string
	AgentName string
	Error     string
}

// JobCancelledPayload accompanies job:cancelled.
type JobCancelledPayload struct {
	JobID     string
	AgentName string
}

// JobForkedPayload accompanies job:forked.
type JobForkedPayload struct {
	JobID      string
	ForkedFrom string
	AgentName  string
	SessionID  string
}

// ChatMessageHandledPayload accompanies discord:message:handled and
// slack:message:handled.
type ChatMessageHandledPayload struct {
	AgentName string
	ChannelID string
	MessageID string
	JobID     string
}

// ChatMessageErrorPayload accompanies discord:message:error and
// slack:message:error.
type ChatMessageErrorPayload struct {
	AgentName string
	ChannelID string
	MessageID string
	Error     string
}

// ChatErrorPayload accompanies discord:error and slack:error.
type ChatErrorPayload struct {
	AgentName string
	Error     string
}
