// Package slack bridges fleet agents to Slack. Unlike Discord's
// per-agent connectors, every slack-bound agent shares a single Socket
// Mode connection: inbound messages are routed to agents through a
// channel-id map built from each agent's configured channels.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/sessions"
)

// interChunkDelay spaces sequential sends of one split response. Slack
// allows roughly one message per second per channel.
const interChunkDelay = time.Second

// Manager owns the shared Slack connector and the channel→agent routing
// table.
type Manager struct {
	fleet  channels.Fleet
	logger *slog.Logger

	mu          sync.Mutex
	conn        *connector
	channelMap  map[string]string // channel id → agent name
	stores      map[string]*sessions.Store
	initialized bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates the Slack manager. The connector is built by
// Initialize.
func NewManager(fleet channels.Fleet, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fleet:      fleet,
		logger:     logger.With("component", "slack"),
		channelMap: make(map[string]string),
		stores:     make(map[string]*sessions.Store),
	}
}

// Name returns "slack".
func (m *Manager) Name() string { return "slack" }

// Initialize builds the channel routing table and, on first call, the
// shared connector. Tokens come from the first slack-bound agent; a
// missing bot or app token logs and skips connector creation but leaves
// the manager in a clean, idempotent state. When two agents claim the
// same channel the later registration wins with a warning. When the
// manager is already started, a connector built here connects right away.
func (m *Manager) Initialize(agents []*config.Agent) error {
	m.mu.Lock()

	channelMap := make(map[string]string)
	stores := make(map[string]*sessions.Store)
	var first *config.SlackBinding

	for _, agent := range agents {
		if agent.Chat == nil || agent.Chat.Slack == nil {
			continue
		}
		binding := agent.Chat.Slack
		if first == nil {
			first = binding
		}

		for _, ch := range binding.Channels {
			if prev, taken := channelMap[ch]; taken && prev != agent.Name {
				m.logger.Warn("channel mapped to multiple agents, later registration wins",
					"channel_id", ch, "previous", prev, "agent", agent.Name)
			}
			channelMap[ch] = agent.Name
		}

		if store, ok := m.stores[agent.Name]; ok {
			stores[agent.Name] = store
			continue
		}
		store, err := sessions.NewStore(m.fleet.StateDir(), agent.Name, m.fleet.SessionExpiry(), m.logger)
		if err != nil {
			m.logger.Warn("failed to create session store", "agent", agent.Name, "error", err)
			continue
		}
		stores[agent.Name] = store
	}

	m.channelMap = channelMap
	m.stores = stores
	m.initialized = true

	var newConn *connector
	if first == nil {
		m.logger.Debug("no agents with a slack binding")
	} else if m.conn == nil {
		botToken, botOK := m.fleet.ResolveSecret(first.BotTokenEnv)
		appToken, appOK := m.fleet.ResolveSecret(first.AppTokenEnv)
		switch {
		case !botOK:
			m.logger.Warn("bot token not found, slack connector disabled", "token_env", first.BotTokenEnv)
		case !appOK:
			m.logger.Warn("app token not found, slack connector disabled", "token_env", first.AppTokenEnv)
		default:
			newConn = newConnector(botToken, appToken, m)
			m.conn = newConn
		}
	}
	runCtx := m.ctx
	m.mu.Unlock()

	// After a reload on a running fleet, a connector built for a freshly
	// bound agent opens its socket now rather than waiting for a restart.
	if newConn != nil && runCtx != nil {
		if err := newConn.connect(runCtx); err != nil {
			m.logger.Error("connect failed", "error", err)
			m.fleet.Bus().Emit(events.SlackError, events.ChatErrorPayload{Error: err.Error()})
		}
	}
	return nil
}

// Start connects the shared connector. A connect failure is logged and
// reported on the bus, never returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	conn := m.conn
	runCtx := m.ctx
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.connect(runCtx); err != nil {
		m.logger.Error("connect failed", "error", err)
		m.fleet.Bus().Emit(events.SlackError, events.ChatErrorPayload{Error: err.Error()})
	}
	return nil
}

// Stop disconnects. Safe to call repeatedly and when never connected.
func (m *Manager) Stop() error {
	m.mu.Lock()
	conn := m.conn
	cancel := m.cancel
	m.ctx, m.cancel = nil, nil
	stores := m.stores
	m.mu.Unlock()

	for agent, store := range stores {
		m.logger.Info("disconnecting", "agent", agent, "active_sessions", store.Count())
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.connected.Store(false)
	}
	return nil
}

// handleCtx returns the context inbound handling runs under.
func (m *Manager) handleCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// routeChannel resolves a channel id to its agent.
func (m *Manager) routeChannel(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.channelMap[channelID]
	return agent, ok
}

func (m *Manager) sessionStore(agentName string) *sessions.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores[agentName]
}

// ---------- Connector ----------

// connector is the shared Socket Mode connection.
type connector struct {
	manager *Manager
	logger  *slog.Logger

	botToken string
	appToken string

	api    *slack.Client
	socket *socketmode.Client

	botUserID string
	connected atomic.Bool

	// delay between chunks of one split response; tests shorten it.
	sendDelay time.Duration
}

func newConnector(botToken, appToken string, m *Manager) *connector {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &connector{
		manager:   m,
		logger:    m.logger,
		botToken:  botToken,
		appToken:  appToken,
		api:       api,
		socket:    socketmode.New(api),
		sendDelay: interChunkDelay,
	}
}

// connect authenticates and launches the Socket Mode loops. The loops run
// until ctx is cancelled.
func (c *connector) connect(ctx context.Context) error {
	if c.botToken == "" || c.appToken == "" {
		return channels.ErrMissingToken
	}

	auth, err := c.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.logger.Info("authenticated", "bot", auth.User, "bot_id", auth.UserID, "team", auth.Team)

	go c.handleEvents(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("socket mode loop ended", "error", err)
			c.manager.fleet.Bus().Emit(events.SlackError, events.ChatErrorPayload{Error: err.Error()})
		}
		c.connected.Store(false)
	}()
	return nil
}

// handleEvents drains the Socket Mode event channel.
func (c *connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleEvent(evt)
		}
	}
}

func (c *connector) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		c.connected.Store(true)
		c.logger.Info("socket mode connected")

	case socketmode.EventTypeConnectionError:
		c.connected.Store(false)
		c.logger.Warn("socket mode connection error")

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.onMessageEvent(ev)
		}
	}
}

// onMessageEvent gates one inbound Slack message, routes it to its agent
// and hands it to the shared handler on its own goroutine.
func (c *connector) onMessageEvent(ev *slackevents.MessageEvent) {
	// Bot echoes, joins, edits and other subtypes never trigger jobs.
	if ev.User == "" || ev.User == c.botUserID || ev.BotID != "" || ev.SubType != "" {
		return
	}

	agentName, routed := c.manager.routeChannel(ev.Channel)
	if !routed {
		return
	}

	mentionToken := "<@" + c.botUserID + ">"
	mentioned := strings.Contains(ev.Text, mentionToken)
	prompt := strings.TrimSpace(strings.ReplaceAll(ev.Text, mentionToken, ""))
	if prompt == "" {
		return
	}

	msg := channels.Message{
		AgentName: agentName,
		Prompt:    prompt,
		Metadata: channels.Metadata{
			ChannelID:    ev.Channel,
			MessageID:    ev.TimeStamp,
			UserID:       ev.User,
			Username:     ev.User,
			WasMentioned: mentioned,
			Mode:         "channel",
		},
		Reply: func(text string) error {
			return c.sendText(ev.Channel, text)
		},
	}

	go c.manager.handleMessage(c, msg)
}

// sendText posts one already-sized message. Callers split first.
func (c *connector) sendText(channelID, text string) error {
	_, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(text, false))
	return err
}

// sendAttachment posts one structured attachment, Slack's counterpart to
// a Discord embed.
func (c *connector) sendAttachment(channelID string, attachment slack.Attachment) error {
	_, _, err := c.api.PostMessage(channelID, slack.MsgOptionAttachments(attachment))
	return err
}

// Compile-time interface verification.
var _ channels.Manager = (*Manager)(nil)
