package discord

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

const (
	fallbackReply = "I've completed the task, but I don't have a specific response to share."
	resetReply    = "🔄 Session cleared. The next message starts a fresh conversation."
)

// handleMessage runs one inbound chat message end to end: resolve the
// agent, trigger a job with the channel's session as resume hint, stream
// the job output back, then persist the new session id. Runs on its own
// goroutine per message.
func (m *Manager) handleMessage(conn *connector, msg channels.Message) {
	log := m.logger.With("agent", msg.AgentName, "channel_id", msg.Metadata.ChannelID)

	agent, ok := m.fleet.AgentByName(msg.AgentName)
	if !ok {
		log.Error("message for unknown agent")
		if err := msg.Reply(fmt.Sprintf("⚠️ Agent %q is not configured.", msg.AgentName)); err != nil {
			log.Error("failed to send not-configured reply", "error", err)
		}
		m.emitError(msg, "agent not configured")
		return
	}

	if strings.TrimSpace(msg.Prompt) == channels.ResetCommand {
		if err := conn.sessions.Delete(msg.Metadata.ChannelID); err != nil {
			log.Warn("failed to clear session", "error", err)
		}
		if err := msg.Reply(resetReply); err != nil {
			log.Warn("failed to send reset confirmation", "error", err)
		}
		return
	}

	sessionID, resuming := conn.sessions.Get(msg.Metadata.ChannelID)
	if resuming {
		log.Debug("resuming session", "session_id", sessionID)
	}

	if msg.StartTyping != nil {
		msg.StartTyping()
	}

	router := newMessageRouter(agent, msg.Reply, func(embed *discordgo.MessageEmbed) error {
		return conn.sendEmbed(msg.Metadata.ChannelID, embed)
	}, conn.sendDelay, log)
	job, err := m.fleet.ChatTrigger(m.handleCtx(), msg.AgentName, channels.TriggerRequest{
		Prompt:    msg.Prompt,
		SessionID: sessionID,
		OnMessage: router.route,
	})
	if err != nil {
		log.Error("chat trigger failed", "error", err)
		reply := fmt.Sprintf("❌ **Error**: %s\n\nPlease try again or use /reset to start over.", err)
		if sendErr := msg.Reply(reply); sendErr != nil {
			log.Error("failed to send error reply", "error", sendErr)
		}
		m.emitError(msg, err.Error())
		return
	}

	if !router.responded() {
		if err := msg.Reply(fallbackReply); err != nil {
			log.Warn("failed to send fallback reply", "error", err)
		}
	}

	if job.SessionID != "" {
		if err := conn.sessions.Put(msg.Metadata.ChannelID, job.SessionID); err != nil {
			log.Warn("failed to persist session", "error", err)
		}
	}

	log.Info("message handled", "job_id", job.ID, "status", job.Status)
	m.fleet.Bus().Emit(events.DiscordMessageHandled, events.ChatMessageHandledPayload{
		AgentName: msg.AgentName,
		ChannelID: msg.Metadata.ChannelID,
		MessageID: msg.Metadata.MessageID,
		JobID:     job.ID,
	})
}

func (m *Manager) emitError(msg channels.Message, errText string) {
	m.fleet.Bus().Emit(events.DiscordMessageError, events.ChatMessageErrorPayload{
		AgentName: msg.AgentName,
		ChannelID: msg.Metadata.ChannelID,
		MessageID: msg.Metadata.MessageID,
		Error:     errText,
	})
}

// ---------- Message routing ----------

// pendingTool remembers a tool_use block until its result arrives, so the
// embed can carry the input summary and a duration.
type pendingTool struct {
	use     runner.ToolUse
	started time.Time
}

// messageRouter turns a job's output stream into Discord traffic. route
// is called from the executor's goroutine; send failures are logged and
// swallowed so a chat outage never aborts the job itself.
type messageRouter struct {
	agent  *config.Agent
	reply  func(text string) error
	embed  func(embed *discordgo.MessageEmbed) error
	delay  time.Duration
	logger *slog.Logger

	sent    atomic.Bool
	mu      sync.Mutex
	pending map[string]pendingTool
}

func newMessageRouter(agent *config.Agent, reply func(string) error, embed func(*discordgo.MessageEmbed) error, delay time.Duration, logger *slog.Logger) *messageRouter {
	return &messageRouter{
		agent:   agent,
		reply:   reply,
		embed:   embed,
		delay:   delay,
		logger:  logger,
		pending: make(map[string]pendingTool),
	}
}

func (r *messageRouter) responded() bool { return r.sent.Load() }

func (r *messageRouter) route(msg *runner.Message) error {
	switch msg.Type {
	case runner.MessageAssistant:
		if text := msg.Text(); text != "" {
			r.sent.Store(true)
			if err := sendResponse(r.reply, text, r.delay); err != nil {
				r.logger.Warn("failed to send response", "error", err)
			}
		}
		for _, use := range msg.ToolUses() {
			r.trackToolUse(use)
		}

	case runner.MessageUser:
		if !r.agent.Output.ToolResultsEnabled() {
			return nil
		}
		for _, result := range msg.ToolResults() {
			use, elapsed := r.takeToolUse(result.ToolUseID)
			embed := buildToolEmbed(use, result, elapsed, r.agent.Output.EffectiveMaxOutputChars())
			r.sendEmbed(embed)
		}

	case runner.MessageSystem:
		if r.agent.Output.SystemStatus {
			if embed := buildStatusEmbed(msg); embed != nil {
				r.sendEmbed(embed)
			}
		}

	case runner.MessageResult:
		if r.agent.Output.ResultSummary {
			if info := msg.Result(); info != nil {
				r.sent.Store(true)
				r.sendEmbed(buildResultEmbed(info))
			}
		}

	case runner.MessageError:
		if r.agent.Output.ErrorsEnabled() {
			r.sent.Store(true)
			r.sendEmbed(buildErrorEmbed(msg.ErrorText()))
		}
	}
	return nil
}

func (r *messageRouter) trackToolUse(use runner.ToolUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[use.ID] = pendingTool{use: use, started: time.Now()}
}

// takeToolUse pairs a tool_result with its recorded tool_use. Unmatched
// results come back with a zero use and no duration.
func (r *messageRouter) takeToolUse(toolUseID string) (runner.ToolUse, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[toolUseID]
	if !ok {
		return runner.ToolUse{}, 0
	}
	delete(r.pending, toolUseID)
	return p.use, time.Since(p.started)
}

func (r *messageRouter) sendEmbed(embed *discordgo.MessageEmbed) {
	if err := r.embed(embed); err != nil {
		r.logger.Warn("failed to send embed", "title", embed.Title, "error", err)
	}
}
