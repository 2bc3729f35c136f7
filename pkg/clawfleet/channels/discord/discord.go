// Package discord bridges fleet agents to Discord using discordgo. Every
// agent with a chat.discord binding gets its own gateway connection; an
// inbound channel message becomes a chat-triggered job and the job's
// stream is rendered back as messages and embeds.
package discord

import (
	"context"
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
	"github.com/jholhewres/clawfleet/pkg/clawfleet/sessions"
)

// interChunkDelay spaces sequential sends of one split response to stay
// inside Discord's per-channel rate limits.
const interChunkDelay = 250 * time.Millisecond

// Manager owns one connector per Discord-bound agent.
type Manager struct {
	fleet  channels.Fleet
	logger *slog.Logger

	mu          sync.Mutex
	connectors  map[string]*connector
	initialized bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates the Discord manager. Connectors are built by
// Initialize.
func NewManager(fleet channels.Fleet, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fleet:      fleet,
		logger:     logger.With("component", "discord"),
		connectors: make(map[string]*connector),
	}
}

// Name returns "discord".
func (m *Manager) Name() string { return "discord" }

// Initialize builds a connector and a session store for every agent with
// a chat.discord binding. Agents whose bot token cannot be resolved are
// skipped with a warning. Safe to call again after a reload; existing
// connectors for surviving agents are kept, and when the manager is
// already started, connectors for newly bound agents connect right away.
func (m *Manager) Initialize(agents []*config.Agent) error {
	m.mu.Lock()

	var added []*connector
	seen := make(map[string]bool)
	for _, agent := range agents {
		if agent.Chat == nil || agent.Chat.Discord == nil {
			continue
		}
		binding := agent.Chat.Discord
		seen[agent.Name] = true

		if existing, ok := m.connectors[agent.Name]; ok {
			existing.update(agent, binding)
			continue
		}

		token, ok := m.fleet.ResolveSecret(binding.TokenEnv)
		if !ok {
			m.logger.Warn("bot token not found, skipping agent",
				"agent", agent.Name, "token_env", binding.TokenEnv)
			continue
		}

		store, err := sessions.NewStore(m.fleet.StateDir(), agent.Name, m.fleet.SessionExpiry(), m.logger)
		if err != nil {
			m.logger.Warn("failed to create session store, skipping agent",
				"agent", agent.Name, "error", err)
			continue
		}

		conn := newConnector(agent, binding, token, store, m)
		m.connectors[agent.Name] = conn
		added = append(added, conn)
	}

	// Drop connectors for agents that lost their binding.
	for name, conn := range m.connectors {
		if seen[name] {
			continue
		}
		if err := conn.disconnect(); err != nil {
			m.logger.Warn("failed to disconnect removed agent", "agent", name, "error", err)
		}
		delete(m.connectors, name)
	}

	if len(m.connectors) == 0 {
		m.logger.Debug("no agents with a discord binding")
	}
	m.initialized = true
	started := m.ctx != nil
	m.mu.Unlock()

	if started {
		m.connectAll(added)
	}
	return nil
}

// Start connects every connector. Connect failures are logged and
// reported on the bus; they never abort the other connectors.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	conns := make([]*connector, 0, len(m.connectors))
	for _, conn := range m.connectors {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	m.connectAll(conns)
	return nil
}

// connectAll connects each not-yet-connected connector, reporting
// failures on the bus without aborting the rest.
func (m *Manager) connectAll(conns []*connector) {
	for _, conn := range conns {
		if conn.isConnected() {
			continue
		}
		if err := conn.connect(); err != nil {
			m.logger.Error("connect failed", "agent", conn.agentName(), "error", err)
			m.fleet.Bus().Emit(events.DiscordError, events.ChatErrorPayload{
				AgentName: conn.agentName(),
				Error:     err.Error(),
			})
		}
	}
}

// Stop disconnects every connector. Disconnect failures are logged, not
// propagated.
func (m *Manager) Stop() error {
	m.mu.Lock()
	conns := make([]*connector, 0, len(m.connectors))
	for _, conn := range m.connectors {
		conns = append(conns, conn)
	}
	cancel := m.cancel
	m.ctx, m.cancel = nil, nil
	m.mu.Unlock()

	for _, conn := range conns {
		m.logger.Info("disconnecting",
			"agent", conn.agentName(), "active_sessions", conn.sessions.Count())
		if err := conn.disconnect(); err != nil {
			m.logger.Warn("disconnect failed", "agent", conn.agentName(), "error", err)
		}
	}
	if cancel != nil {
		cancel()
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

// ---------- Connector ----------

// connector is one agent's gateway connection.
type connector struct {
	manager  *Manager
	logger   *slog.Logger
	sessions *sessions.Store

	mu      sync.RWMutex
	agent   *config.Agent
	binding *config.DiscordBinding
	token   string

	session   *discordgo.Session
	connected atomic.Bool

	// delay between chunks of one split response; tests shorten it.
	sendDelay time.Duration
}

func newConnector(agent *config.Agent, binding *config.DiscordBinding, token string, store *sessions.Store, m *Manager) *connector {
	return &connector{
		manager:   m,
		logger:    m.logger.With("agent", agent.Name),
		sessions:  store,
		agent:     agent,
		binding:   binding,
		token:     token,
		sendDelay: interChunkDelay,
	}
}

func (c *connector) agentName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agent.Name
}

// update adopts the reloaded agent definition without reconnecting.
func (c *connector) update(agent *config.Agent, binding *config.DiscordBinding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent = agent
	c.binding = binding
}

func (c *connector) isConnected() bool { return c.connected.Load() }

// connect opens the gateway WebSocket.
func (c *connector) connect() error {
	if c.token == "" {
		return channels.ErrMissingToken
	}

	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(c.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.connected.Store(true)

	user := session.State.User
	c.logger.Info("connected", "bot", user.Username, "bot_id", user.ID)
	return nil
}

// disconnect closes the gateway. Safe to call when never connected.
func (c *connector) disconnect() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	c.connected.Store(false)
	if session == nil {
		return nil
	}
	return session.Close()
}

// onMessageCreate gates an inbound Discord message and hands it to the
// shared handler on its own goroutine, keeping the gateway read loop
// unblocked for the duration of the job.
func (c *connector) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	c.mu.RLock()
	binding := c.binding
	agentName := c.agent.Name
	c.mu.RUnlock()

	if len(binding.Channels) > 0 && !containsString(binding.Channels, m.ChannelID) {
		return
	}

	mentioned := mentionsUser(m.Mentions, s.State.User.ID)
	isDM := m.GuildID == ""
	mode := binding.EffectiveMode()
	if mode == "mention" && !mentioned && !isDM {
		return
	}

	prompt := strings.TrimSpace(stripMention(m.Content, s.State.User.ID))
	if prompt == "" {
		return
	}

	msg := channels.Message{
		AgentName: agentName,
		Prompt:    prompt,
		Metadata: channels.Metadata{
			ChannelID:    m.ChannelID,
			MessageID:    m.ID,
			GuildID:      m.GuildID,
			UserID:       m.Author.ID,
			Username:     m.Author.Username,
			WasMentioned: mentioned,
			Mode:         mode,
		},
		Reply: func(text string) error {
			return c.sendText(m.ChannelID, text)
		},
		StartTyping: func() {
			if err := s.ChannelTyping(m.ChannelID); err != nil {
				c.logger.Debug("typing indicator failed", "channel_id", m.ChannelID, "error", err)
			}
		},
	}

	go c.manager.handleMessage(c, msg)
}

// sendText sends one already-sized message. Callers split first.
func (c *connector) sendText(channelID, text string) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return channels.ErrNotConnected
	}
	_, err := session.ChannelMessageSend(channelID, text)
	return err
}

// sendEmbed posts one embed.
func (c *connector) sendEmbed(channelID string, embed *discordgo.MessageEmbed) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return channels.ErrNotConnected
	}
	_, err := session.ChannelMessageSendEmbed(channelID, embed)
	return err
}

// ---------- Helpers ----------

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// stripMention removes the bot's mention tokens so the prompt reads like
// plain text.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return content
}

// Compile-time interface verification.
var _ channels.Manager = (*Manager)(nil)
