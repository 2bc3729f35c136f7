// Package config implements the fleet configuration model: the fleet file,
// the agent files it references, loading with environment expansion,
// structural validation, change-set computation for hot reload, and a
// polling file watcher.
package config

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only fleet file version this build understands.
const SupportedVersion = 1

// Fleet is the fully resolved configuration. It is immutable after resolve:
// reload builds a new Fleet and swaps it wholesale, never mutating in place.
type Fleet struct {
	// Version is the fleet file format version.
	Version int

	// Meta holds fleet-level settings.
	Meta FleetMeta

	// Agents is the ordered list of resolved agents.
	Agents []*Agent

	// ConfigPath is the absolute path of the fleet file.
	ConfigPath string

	// ConfigDir is the directory containing the fleet file.
	ConfigDir string
}

// AgentByName returns the agent with the given name.
func (f *Fleet) AgentByName(name string) (*Agent, bool) {
	for _, a := range f.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// AgentNames returns the agent names in declaration order.
func (f *Fleet) AgentNames() []string {
	names := make([]string, len(f.Agents))
	for i, a := range f.Agents {
		names[i] = a.Name
	}
	return names
}

// FleetMeta holds fleet-level settings.
type FleetMeta struct {
	// Name identifies the fleet in logs and status output.
	Name string `yaml:"name"`

	// StateDir is where job metadata, output logs, sessions, and scheduler
	// state live. Resolved to an absolute path; defaults to "state" next to
	// the fleet file.
	StateDir string `yaml:"state_dir"`

	// Retention caps stored jobs.
	Retention RetentionConfig `yaml:"retention"`

	// Scheduler tunes the periodic check loop.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Sessions governs chat session ageing.
	Sessions SessionsConfig `yaml:"sessions"`

	// Logging selects the log handler for the serve command.
	Logging LoggingConfig `yaml:"logging"`
}

// RetentionConfig caps how many finished jobs are kept on disk.
type RetentionConfig struct {
	// MaxJobsPerAgent is the per-agent cap. 0 uses the default of 100.
	MaxJobsPerAgent int `yaml:"max_jobs_per_agent"`

	// MaxTotalJobs is the fleet-wide cap. 0 means unlimited.
	MaxTotalJobs int `yaml:"max_total_jobs"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{MaxJobsPerAgent: 100, MaxTotalJobs: 0}
}

// Effective returns the config with zero values replaced by defaults.
func (c RetentionConfig) Effective() RetentionConfig {
	out := c
	if out.MaxJobsPerAgent <= 0 {
		out.MaxJobsPerAgent = 100
	}
	if out.MaxTotalJobs < 0 {
		out.MaxTotalJobs = 0
	}
	return out
}

// SchedulerConfig tunes the scheduler check loop.
type SchedulerConfig struct {
	// CheckInterval is how often due schedules are evaluated, in the same
	// grammar as schedule intervals ("500ms", "1s", "10s"). Defaults to 1s.
	CheckInterval string `yaml:"check_interval"`
}

// EffectiveCheckInterval parses the configured interval, defaulting to 1s.
func (c SchedulerConfig) EffectiveCheckInterval() time.Duration {
	if c.CheckInterval == "" {
		return time.Second
	}
	d, err := ParseInterval(c.CheckInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// SessionsConfig governs chat session continuity.
type SessionsConfig struct {
	// ExpiryHours is how long an idle chat session keeps its LLM session id.
	// Defaults to 72.
	ExpiryHours int `yaml:"expiry_hours"`
}

// Effective returns the config with zero values replaced by defaults.
func (c SessionsConfig) Effective() SessionsConfig {
	out := c
	if out.ExpiryHours <= 0 {
		out.ExpiryHours = 72
	}
	return out
}

// LoggingConfig selects log output for the daemon.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is "text" or "json". Defaults to text.
	Format string `yaml:"format"`
}

// Agent is one resolved agent definition.
type Agent struct {
	// Name is unique across the fleet; duplicates are a fatal config error.
	Name string `yaml:"name"`

	// Description is shown in agent listings.
	Description string `yaml:"description"`

	// Model is the LLM model id passed to the runner.
	Model string `yaml:"model"`

	// WorkingDir is where the agent's jobs run. Accepts a plain string or a
	// mapping with a root key; defaults to the agent file's directory.
	WorkingDir WorkingDir `yaml:"working_dir"`

	// MaxConcurrent caps non-terminal jobs for this agent. Defaults to 1.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Runtime selects the runner implementation. Defaults to "sdk".
	Runtime string `yaml:"runtime"`

	// Runner configures the exec-based runtimes.
	Runner RunnerConfig `yaml:"runner"`

	// Schedules maps schedule name to definition.
	Schedules map[string]*Schedule `yaml:"schedules"`

	// Chat holds optional chat platform bindings.
	Chat *ChatConfig `yaml:"chat"`

	// Output controls which job messages are rendered into chat embeds.
	Output OutputConfig `yaml:"output"`

	// ConfigPath is the absolute path of the agent file.
	ConfigPath string `yaml:"-"`

	// ConfigDir is the directory containing the agent file.
	ConfigDir string `yaml:"-"`
}

// ScheduleNames returns the agent's schedule names, sorted.
func (a *Agent) ScheduleNames() []string {
	names := make([]string, 0, len(a.Schedules))
	for name := range a.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkingDir accepts both YAML shapes:
//
//	working_dir: ./path
//	working_dir: {root: ./path}
type WorkingDir struct {
	Root string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *WorkingDir) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		w.Root = value.Value
		return nil
	case yaml.MappingNode:
		var obj struct {
			Root string `yaml:"root"`
		}
		if err := value.Decode(&obj); err != nil {
			return fmt.Errorf("decoding working_dir object: %w", err)
		}
		w.Root = obj.Root
		return nil
	default:
		return fmt.Errorf("working_dir must be a string or an object with a root key")
	}
}

// MarshalYAML implements yaml.Marshaler, emitting the compact string form.
func (w WorkingDir) MarshalYAML() (any, error) {
	return w.Root, nil
}

// Schedule types.
const (
	ScheduleTypeInterval = "interval"
	ScheduleTypeCron     = "cron"
)

// Schedule is one timed trigger rule on an agent. Runtime state (status,
// last_run_at, next_run_at) lives in the scheduler, not here.
type Schedule struct {
	// Name is set from the map key during resolve.
	Name string `yaml:"-"`

	// Type is "interval" or "cron".
	Type string `yaml:"type"`

	// Interval is the period for interval schedules, e.g. "30m", "1h", "2d".
	Interval string `yaml:"interval"`

	// Cron is a standard 5-field expression for cron schedules.
	Cron string `yaml:"cron"`

	// Prompt overrides the default prompt for jobs this schedule creates.
	Prompt string `yaml:"prompt"`

	// Enabled defaults to true. A schedule disabled here never fires,
	// regardless of any runtime toggle.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports the configured enabled flag, defaulting to true.
func (s *Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RunnerConfig configures the exec runtime: the command argv to spawn per
// job. Model, prompt, and resume hints are passed via environment.
type RunnerConfig struct {
	// Command is the argv to execute. Empty uses the runtime's default.
	Command []string `yaml:"command"`

	// Env holds extra environment variables for the child process.
	Env map[string]string `yaml:"env"`
}

// ChatConfig binds an agent to chat platforms.
type ChatConfig struct {
	Discord *DiscordBinding `yaml:"discord"`
	Slack   *SlackBinding   `yaml:"slack"`
}

// DiscordBinding configures a per-agent Discord connector.
type DiscordBinding struct {
	// TokenEnv names the environment variable holding the bot token.
	// A missing token skips this agent's connector with a warning.
	TokenEnv string `yaml:"token_env"`

	// Channels restricts which channel ids the agent listens on.
	// Empty means every channel the bot can read.
	Channels []string `yaml:"channels"`

	// Mode is "mention" (respond only when mentioned, the default) or "all".
	Mode string `yaml:"mode"`
}

// EffectiveMode returns the mode with the default applied.
func (d *DiscordBinding) EffectiveMode() string {
	if d.Mode == "" {
		return "mention"
	}
	return d.Mode
}

// SlackBinding configures an agent's share of the single Slack connector.
type SlackBinding struct {
	// BotTokenEnv names the env var holding the xoxb bot token.
	BotTokenEnv string `yaml:"bot_token_env"`

	// AppTokenEnv names the env var holding the xapp app-level token used
	// for Socket Mode.
	AppTokenEnv string `yaml:"app_token_env"`

	// Channels lists the channel ids routed to this agent.
	Channels []string `yaml:"channels"`
}

// OutputConfig controls which job messages become chat embeds.
type OutputConfig struct {
	// ToolResults renders an embed per tool invocation.
	ToolResults *bool `yaml:"tool_results"`

	// SystemStatus renders system status messages.
	SystemStatus bool `yaml:"system_status"`

	// ResultSummary renders the final result summary message.
	ResultSummary bool `yaml:"result_summary"`

	// Errors renders error messages.
	Errors *bool `yaml:"errors"`

	// MaxOutputChars truncates embedded tool output. Defaults to 900 and is
	// always clamped below Discord's 1024-char field cap.
	MaxOutputChars int `yaml:"max_output_chars"`
}

// ToolResultsEnabled defaults to true.
func (o OutputConfig) ToolResultsEnabled() bool {
	return o.ToolResults == nil || *o.ToolResults
}

// ErrorsEnabled defaults to true.
func (o OutputConfig) ErrorsEnabled() bool {
	return o.Errors == nil || *o.Errors
}

// EffectiveMaxOutputChars applies the default and the platform cap.
func (o OutputConfig) EffectiveMaxOutputChars() int {
	n := o.MaxOutputChars
	if n <= 0 {
		n = 900
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

