// Package jobs persists and executes fleet jobs. Each job owns two files
// under <stateDir>/jobs: <id>.yaml holds the metadata, <id>.jsonl holds the
// append-only output stream. The Store is the only writer of either.
package jobs

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

// Job statuses. Transitions are monotone: pending → running → one of the
// terminal states. Terminal jobs are never modified again.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Trigger types record who created a job.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerChat     = "chat"
	TriggerFork     = "fork"
)

// Exit reasons recorded on terminal jobs.
const (
	ExitSuccess   = "success"
	ExitError     = "error"
	ExitCancelled = "cancelled"
)

// Job is one execution of an agent. Field names map 1:1 onto the metadata
// file keys.
type Job struct {
	ID           string     `yaml:"id"`
	AgentName    string     `yaml:"agent_name"`
	ScheduleName string     `yaml:"schedule_name,omitempty"`
	TriggerType  string     `yaml:"trigger_type"`
	Prompt       string     `yaml:"prompt"`
	Status       string     `yaml:"status"`
	StartedAt    time.Time  `yaml:"started_at"`
	FinishedAt   *time.Time `yaml:"finished_at,omitempty"`
	ExitReason   string     `yaml:"exit_reason,omitempty"`
	ErrorMessage string     `yaml:"error_message,omitempty"`

	// SessionID is the runtime session captured from the output stream,
	// usable later as a resume hint.
	SessionID string `yaml:"session_id,omitempty"`

	// ForkedFrom names the job whose session this one resumed.
	ForkedFrom string `yaml:"forked_from,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Duration returns how long the job ran, or time since start for jobs
// still in flight.
func (j *Job) Duration() time.Duration {
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return time.Since(j.StartedAt)
}

const idSuffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// idPattern matches well-formed job ids: job-YYYY-MM-DD-<6 base36 chars>.
var idPattern = regexp.MustCompile(`^job-\d{4}-\d{2}-\d{2}-[a-z0-9]{6}$`)

// ValidID reports whether id is a well-formed job id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// newID builds a candidate job id from the start time (UTC date) and a
// random base36 suffix. Uniqueness is enforced by the store, which retries
// on collision.
func newID(startedAt time.Time) string {
	return fmt.Sprintf("job-%s-%s", startedAt.UTC().Format("2006-01-02"), newIDSuffix())
}

func newIDSuffix() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic(fmt.Sprintf("jobs: reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = idSuffixAlphabet[int(b)%len(idSuffixAlphabet)]
	}
	return string(buf)
}
