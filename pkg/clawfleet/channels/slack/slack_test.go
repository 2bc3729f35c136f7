package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/channels"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFleet satisfies channels.Fleet for manager tests.
type fakeFleet struct {
	stateDir string
	agents   map[string]*config.Agent
	secrets  map[string]string
	bus      *events.Bus
}

func newFakeFleet(t *testing.T) *fakeFleet {
	t.Helper()
	return &fakeFleet{
		stateDir: t.TempDir(),
		agents:   make(map[string]*config.Agent),
		secrets:  make(map[string]string),
		bus:      events.NewBus(nil),
	}
}

func (f *fakeFleet) AgentByName(name string) (*config.Agent, bool) {
	a, ok := f.agents[name]
	return a, ok
}

func (f *fakeFleet) StateDir() string              { return f.stateDir }
func (f *fakeFleet) SessionExpiry() time.Duration  { return time.Hour }
func (f *fakeFleet) Bus() *events.Bus              { return f.bus }
func (f *fakeFleet) ResolveSecret(name string) (string, bool) {
	v, ok := f.secrets[name]
	return v, ok
}

func (f *fakeFleet) ChatTrigger(ctx context.Context, agentName string, req channels.TriggerRequest) (*jobs.Job, error) {
	return &jobs.Job{ID: "job-2026-08-26-abc123", AgentName: agentName, Status: jobs.StatusCompleted}, nil
}

func slackAgent(name string, chans ...string) *config.Agent {
	return &config.Agent{
		Name:          name,
		MaxConcurrent: 1,
		Chat: &config.ChatConfig{
			Slack: &config.SlackBinding{
				BotTokenEnv: "SLACK_BOT_TOKEN",
				AppTokenEnv: "SLACK_APP_TOKEN",
				Channels:    chans,
			},
		},
	}
}

func TestInitializeBuildsChannelMap(t *testing.T) {
	fleet := newFakeFleet(t)
	m := NewManager(fleet, nil)

	agents := []*config.Agent{
		slackAgent("ops", "C001", "C002"),
		slackAgent("dev", "C003"),
	}
	if err := m.Initialize(agents); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tests := []struct {
		channel string
		agent   string
	}{
		{"C001", "ops"},
		{"C002", "ops"},
		{"C003", "dev"},
	}
	for _, tt := range tests {
		got, ok := m.routeChannel(tt.channel)
		if !ok || got != tt.agent {
			t.Errorf("routeChannel(%s) = %q, %v; want %q", tt.channel, got, ok, tt.agent)
		}
	}
	if _, ok := m.routeChannel("C999"); ok {
		t.Error("unmapped channel should not route")
	}
}

func TestInitializeOverlappingChannelLastWins(t *testing.T) {
	fleet := newFakeFleet(t)
	m := NewManager(fleet, nil)

	agents := []*config.Agent{
		slackAgent("first", "C100"),
		slackAgent("second", "C100"),
	}
	if err := m.Initialize(agents); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, ok := m.routeChannel("C100")
	if !ok || got != "second" {
		t.Errorf("overlapping channel routed to %q, want the later registration %q", got, "second")
	}
}

func TestInitializeMissingTokensSkipsConnector(t *testing.T) {
	fleet := newFakeFleet(t)
	m := NewManager(fleet, nil)

	if err := m.Initialize([]*config.Agent{slackAgent("ops", "C001")}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.conn != nil {
		t.Error("connector should not be created without tokens")
	}

	// Still routable, still startable, still stoppable.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start without connector: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestInitializeIdempotentAfterReload(t *testing.T) {
	fleet := newFakeFleet(t)
	fleet.secrets["SLACK_BOT_TOKEN"] = "xoxb-test"
	fleet.secrets["SLACK_APP_TOKEN"] = "xapp-test"
	m := NewManager(fleet, nil)

	if err := m.Initialize([]*config.Agent{slackAgent("ops", "C001")}); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	first := m.conn
	if first == nil {
		t.Fatal("expected a connector with both tokens resolvable")
	}

	// Reload drops one channel and adds another; connector survives.
	if err := m.Initialize([]*config.Agent{slackAgent("ops", "C002")}); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if m.conn != first {
		t.Error("reload should keep the existing connector")
	}
	if _, ok := m.routeChannel("C001"); ok {
		t.Error("dropped channel still routes")
	}
	if agent, ok := m.routeChannel("C002"); !ok || agent != "ops" {
		t.Error("added channel does not route")
	}
}

func TestReloadAfterStartConnectsNewConnector(t *testing.T) {
	fleet := newFakeFleet(t)
	// Resolvable but empty tokens make the connect attempt fail
	// deterministically instead of touching the network.
	fleet.secrets["SLACK_BOT_TOKEN"] = ""
	fleet.secrets["SLACK_APP_TOKEN"] = ""
	m := NewManager(fleet, nil)

	errCh := make(chan events.Event, 2)
	fleet.bus.On(events.SlackError, func(e events.Event) { errCh <- e })

	if err := m.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A reload binds the first slack agent while the manager is running;
	// the new connector must open its socket now, not after a restart.
	if err := m.Initialize([]*config.Agent{slackAgent("ops", "C001")}); err != nil {
		t.Fatalf("Initialize after start: %v", err)
	}
	if m.conn == nil {
		t.Fatal("expected a connector after the reload")
	}

	select {
	case e := <-errCh:
		p := e.Payload.(events.ChatErrorPayload)
		if p.Error != channels.ErrMissingToken.Error() {
			t.Errorf("error = %q, want missing-token", p.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connector never attempted to connect after the reload")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestInitializeNoSlackAgents(t *testing.T) {
	fleet := newFakeFleet(t)
	m := NewManager(fleet, nil)
	plain := &config.Agent{Name: "plain", MaxConcurrent: 1}
	if err := m.Initialize([]*config.Agent{plain}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(m.channelMap) != 0 || m.conn != nil {
		t.Error("agents without slack bindings should produce no routing and no connector")
	}
}

// ---------- Router ----------

func parseMsg(t *testing.T, raw string) *runner.Message {
	t.Helper()
	msg, err := runner.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return msg
}

func TestRouterSendsAssistantText(t *testing.T) {
	agent := slackAgent("ops", "C001")
	var replies []string
	r := newMessageRouter(agent, func(text string) error {
		replies = append(replies, text)
		return nil
	}, func(slack.Attachment) error { return nil }, 0, testLogger())

	msg := parseMsg(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"done and dusted"}]}}`)
	if err := r.route(msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(replies) != 1 || replies[0] != "done and dusted" {
		t.Fatalf("replies = %v", replies)
	}
	if !r.responded() {
		t.Error("router should report a response was sent")
	}
}

func TestRouterToolResultAttachment(t *testing.T) {
	agent := slackAgent("ops", "C001")
	var attachments []slack.Attachment
	r := newMessageRouter(agent, func(string) error { return nil }, func(a slack.Attachment) error {
		attachments = append(attachments, a)
		return nil
	}, 0, testLogger())

	use := parseMsg(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"ls -la"}}]}}`)
	if err := r.route(use); err != nil {
		t.Fatalf("route tool_use: %v", err)
	}
	result := parseMsg(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"total 0"}]}}`)
	if err := r.route(result); err != nil {
		t.Fatalf("route tool_result: %v", err)
	}

	if len(attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(attachments))
	}
	a := attachments[0]
	if a.Title != "🔧 Bash" {
		t.Errorf("title = %q", a.Title)
	}
	if a.Text != "ls -la" {
		t.Errorf("text = %q, want the command summary", a.Text)
	}
	if a.Color != colorSuccess {
		t.Errorf("color = %q", a.Color)
	}
}

func TestRouterToolResultsDisabled(t *testing.T) {
	agent := slackAgent("ops", "C001")
	off := false
	agent.Output.ToolResults = &off

	sent := 0
	r := newMessageRouter(agent, func(string) error { return nil }, func(slack.Attachment) error {
		sent++
		return nil
	}, 0, testLogger())

	result := parseMsg(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"out"}]}}`)
	if err := r.route(result); err != nil {
		t.Fatalf("route: %v", err)
	}
	if sent != 0 {
		t.Errorf("tool results disabled but %d attachments sent", sent)
	}
}

func TestRouterErrorAttachment(t *testing.T) {
	agent := slackAgent("ops", "C001")
	var attachments []slack.Attachment
	r := newMessageRouter(agent, func(string) error { return nil }, func(a slack.Attachment) error {
		attachments = append(attachments, a)
		return nil
	}, 0, testLogger())

	msg := parseMsg(t, `{"type":"error","error":"model overloaded"}`)
	if err := r.route(msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(attachments) != 1 || attachments[0].Color != colorError {
		t.Fatalf("attachments = %+v", attachments)
	}
	if attachments[0].Text != "model overloaded" {
		t.Errorf("text = %q", attachments[0].Text)
	}
	if !r.responded() {
		t.Error("an error attachment counts as a response")
	}
}

func TestToolInputSummaryFallsBackToJSON(t *testing.T) {
	input := map[string]any{"url": "https://example.com"}
	got := toolInputSummary("WebFetch", input)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("summary %q is not the JSON fallback", got)
	}
	if decoded["url"] != "https://example.com" {
		t.Errorf("decoded = %v", decoded)
	}
}
