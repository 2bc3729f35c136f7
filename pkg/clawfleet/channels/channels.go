// Package channels defines the shared types the chat connector managers
// (Discord, Slack) are built on: the inbound message shape produced after
// platform-specific gating, the narrow fleet facade connectors trigger
// through, and the manager lifecycle the fleet drives.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// Fleet is the slice of the fleet manager a chat connector needs. The
// fleet manager implements it; tests substitute fakes.
type Fleet interface {
	// AgentByName returns the agent's resolved configuration.
	AgentByName(name string) (*config.Agent, bool)

	// StateDir returns the fleet state directory, home of the per-agent
	// session stores.
	StateDir() string

	// SessionExpiry returns how long idle chat sessions stay resumable.
	SessionExpiry() time.Duration

	// Bus returns the fleet event bus.
	Bus() *events.Bus

	// ResolveSecret resolves a declared token variable through the
	// env → keyring → vault chain.
	ResolveSecret(name string) (value string, ok bool)

	// ChatTrigger starts a chat-originated job and blocks until the job
	// reaches a terminal state, streaming messages through req.OnMessage.
	ChatTrigger(ctx context.Context, agentName string, req TriggerRequest) (*jobs.Job, error)
}

// TriggerRequest carries a chat-originated trigger into the fleet.
type TriggerRequest struct {
	// Prompt is the user's message text.
	Prompt string

	// SessionID optionally resumes a prior conversation.
	SessionID string

	// OnMessage receives each job message as it streams. The executor
	// awaits it, so a slow consumer slows the stream rather than dropping
	// messages. A non-nil error aborts the run.
	OnMessage runner.EmitFunc
}

// Manager is the lifecycle contract every chat platform manager
// implements.
type Manager interface {
	// Name returns the platform identifier ("discord", "slack").
	Name() string

	// Initialize builds connectors from the current agent list. Called
	// once before Start and again after each config reload; must be
	// idempotent.
	Initialize(agents []*config.Agent) error

	// Start connects the platform. Connect failures are logged, not
	// returned, so one bad connector cannot take the fleet down.
	Start(ctx context.Context) error

	// Stop disconnects. Safe to call repeatedly.
	Stop() error
}

// Message is one inbound chat message after mention gating and routing,
// ready for the trigger path.
type Message struct {
	// AgentName is the routed agent.
	AgentName string

	// Prompt is the message text with platform decoration (mentions)
	// stripped.
	Prompt string

	// Metadata carries platform context for logging and events.
	Metadata Metadata

	// Reply sends text back to the originating channel.
	Reply func(text string) error

	// StartTyping shows a typing indicator, best-effort.
	StartTyping func()
}

// Metadata is the platform context attached to an inbound message.
type Metadata struct {
	ChannelID    string
	MessageID    string
	GuildID      string
	UserID       string
	Username     string
	WasMentioned bool
	Mode         string
}

// ResetCommand clears the channel's stored session instead of triggering
// a job; the trigger-failure reply copy points users at it.
const ResetCommand = "/reset"

// Errors.
var (
	ErrNotConnected     = fmt.Errorf("connector is not connected")
	ErrSendFailed       = fmt.Errorf("failed to send message")
	ErrMissingToken     = fmt.Errorf("bot token is not configured")
	ErrAgentNotRoutable = fmt.Errorf("no agent configured for channel")
)
