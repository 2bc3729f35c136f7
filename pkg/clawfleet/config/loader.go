// Package config – loader.go loads the fleet file and every referenced
// agent file into a resolved Fleet, with .env loading and environment
// variable expansion applied before parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/joho/godotenv"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
//
// Capture groups:
//   - Group 1: variable name (for ${} syntax)
//   - Group 2: modifier type ("-" for default, "?" for error)
//   - Group 3: default value or error message
//   - Group 4: variable name (for bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// fleetFile is the on-disk shape of the fleet config file.
type fleetFile struct {
	Version int        `yaml:"version"`
	Fleet   FleetMeta  `yaml:"fleet"`
	Agents  []AgentRef `yaml:"agents"`
}

// AgentRef points at an agent definition file, relative to the fleet file.
type AgentRef struct {
	Path string `yaml:"path"`
}

// Load reads the fleet file at path, loads every referenced agent file and
// returns the fully resolved configuration. .env files are loaded first
// (never overriding already-set variables) and ${VAR} references are
// expanded before YAML parsing. Validation failures are reported as a
// single ConfigurationError carrying every problem found.
func Load(path string) (*Fleet, error) {
	loadEnvFiles()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &fleeterr.ConfigurationError{
			ConfigPath:       abs,
			ValidationErrors: []string{fmt.Sprintf("reading fleet file: %v", err)},
			Cause:            err,
		}
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, &fleeterr.ConfigurationError{
			ConfigPath:       abs,
			ValidationErrors: []string{err.Error()},
			Cause:            err,
		}
	}

	var ff fleetFile
	if err := yaml.Unmarshal([]byte(expanded), &ff); err != nil {
		return nil, &fleeterr.ConfigurationError{
			ConfigPath:       abs,
			ValidationErrors: []string{fmt.Sprintf("parsing fleet YAML: %v", err)},
			Cause:            err,
		}
	}

	fleet := &Fleet{
		Version:    ff.Version,
		Meta:       ff.Fleet,
		ConfigPath: abs,
		ConfigDir:  filepath.Dir(abs),
	}

	var problems []string
	if ff.Version != 1 {
		problems = append(problems, fmt.Sprintf("unsupported config version %d (expected 1)", ff.Version))
	}

	if fleet.Meta.StateDir == "" {
		fleet.Meta.StateDir = "state"
	}
	fleet.Meta.StateDir = resolvePathFromConfig(fleet.Meta.StateDir, fleet.ConfigDir)

	for i, ref := range ff.Agents {
		if ref.Path == "" {
			problems = append(problems, fmt.Sprintf("agents[%d]: missing path", i))
			continue
		}
		agentPath := resolvePathFromConfig(ref.Path, fleet.ConfigDir)
		agent, errs := loadAgentFile(agentPath)
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		fleet.Agents = append(fleet.Agents, agent)
	}

	problems = append(problems, validateFleet(fleet)...)

	if len(problems) > 0 {
		return nil, &fleeterr.ConfigurationError{
			ConfigPath:       abs,
			ValidationErrors: problems,
		}
	}

	checkFilePermissions(abs)

	return fleet, nil
}

// FindConfigFile searches for a fleet file in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"fleet.yaml",
		"fleet.yml",
		"clawfleet.yaml",
		"configs/fleet.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// ---------- Internal ----------

// loadAgentFile reads and parses one agent definition. Returned problems
// are collected by the caller so a single load reports every broken file.
func loadAgentFile(path string) (*Agent, []string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("agent file %s: %v", path, err)}
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, []string{fmt.Sprintf("agent file %s: %v", path, err)}
	}

	agent := &Agent{}
	if err := yaml.Unmarshal([]byte(expanded), agent); err != nil {
		return nil, []string{fmt.Sprintf("agent file %s: parsing YAML: %v", path, err)}
	}

	agent.ConfigPath = path
	agent.ConfigDir = filepath.Dir(path)
	applyAgentDefaults(agent)

	return agent, nil
}

// applyAgentDefaults fills zero values and resolves agent-relative paths.
func applyAgentDefaults(agent *Agent) {
	if agent.MaxConcurrent <= 0 {
		agent.MaxConcurrent = 1
	}
	if agent.Runtime == "" {
		agent.Runtime = "sdk"
	}
	if agent.WorkingDir.Root == "" {
		agent.WorkingDir.Root = agent.ConfigDir
	} else {
		agent.WorkingDir.Root = resolvePathFromConfig(agent.WorkingDir.Root, agent.ConfigDir)
	}

	// Schedule names come from the map keys; defaulting the type keeps
	// `interval: 1h` without an explicit `type:` working.
	for name, sched := range agent.Schedules {
		if sched == nil {
			sched = &Schedule{}
			agent.Schedules[name] = sched
		}
		sched.Name = name
		if sched.Type == "" {
			sched.Type = ScheduleTypeInterval
		}
	}
}

// validateFleet checks the resolved configuration and returns one message
// per problem found.
func validateFleet(fleet *Fleet) []string {
	var problems []string

	switch fleet.Meta.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q: expected debug, info, warn or error", fleet.Meta.Logging.Level))
	}
	switch fleet.Meta.Logging.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q: expected text or json", fleet.Meta.Logging.Format))
	}
	if ci := fleet.Meta.Scheduler.CheckInterval; ci != "" {
		if _, err := ParseInterval(ci); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.check_interval: %v", err))
		}
	}

	seen := map[string]string{} // agent name -> config path
	for _, agent := range fleet.Agents {
		if agent.Name == "" {
			problems = append(problems, fmt.Sprintf("agent file %s: missing name", agent.ConfigPath))
			continue
		}
		if prev, dup := seen[agent.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate agent name %q (%s, %s)", agent.Name, prev, agent.ConfigPath))
		} else {
			seen[agent.Name] = agent.ConfigPath
		}

		problems = append(problems, validateAgent(agent)...)
	}

	return problems
}

func validateAgent(agent *Agent) []string {
	var problems []string

	for _, name := range agent.ScheduleNames() {
		sched := agent.Schedules[name]
		prefix := fmt.Sprintf("agent %q schedule %q", agent.Name, name)

		switch sched.Type {
		case ScheduleTypeInterval:
			if sched.Interval == "" {
				problems = append(problems, prefix+": missing interval")
			} else if _, err := ParseInterval(sched.Interval); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", prefix, err))
			}
		case ScheduleTypeCron:
			if sched.Cron == "" {
				problems = append(problems, prefix+": missing cron expression")
			} else if _, err := cron.ParseStandard(sched.Cron); err != nil {
				problems = append(problems, fmt.Sprintf("%s: cron %q: %v", prefix, sched.Cron, err))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown type %q (expected interval or cron)", prefix, sched.Type))
		}
	}

	if agent.Chat != nil {
		if d := agent.Chat.Discord; d != nil && d.TokenEnv == "" {
			problems = append(problems, fmt.Sprintf("agent %q: chat.discord.token_env is required", agent.Name))
		}
		if s := agent.Chat.Slack; s != nil {
			if s.BotTokenEnv == "" {
				problems = append(problems, fmt.Sprintf("agent %q: chat.slack.bot_token_env is required", agent.Name))
			}
			if s.AppTokenEnv == "" {
				problems = append(problems, fmt.Sprintf("agent %q: chat.slack.app_token_env is required", agent.Name))
			}
		}
		if d := agent.Chat.Discord; d != nil {
			switch d.EffectiveMode() {
			case "mention", "all":
			default:
				problems = append(problems, fmt.Sprintf("agent %q: chat.discord.mode %q: expected mention or all", agent.Name, d.Mode))
			}
		}
	}

	return problems
}

// loadEnvFiles loads .env files from the working directory. godotenv.Load
// does NOT overwrite variables that are already set.
func loadEnvFiles() {
	envFiles := []string{
		".env",
		".env.local",
	}

	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references with their environment values.
//
// The ${VAR:?error} pattern is handled specially: if the variable is unset
// the match is replaced with an "ERROR:" marker that
// expandEnvVarsWithValidation turns into a load failure.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Groups: 1=varName, 2=modifierType(-|?), 3=value, 4=bareVar
		submatches := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(submatches) >= 2 {
			varName = submatches[1]
		}
		if len(submatches) >= 3 {
			modifierType = submatches[2]
		}
		if len(submatches) >= 4 {
			modifierValue = submatches[3]
		}
		if len(submatches) >= 5 {
			bareVar = submatches[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match // keep placeholder if unset
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}

			if modifierType != "" {
				if modifierType == "?" {
					errorMsg := modifierValue
					if errorMsg == "" {
						errorMsg = "required environment variable not set"
					}
					return "ERROR:" + varName + ":" + errorMsg
				}
				// :-default pattern.
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error if
// any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if strings.Contains(result, "ERROR:") {
		// Format: ERROR:VAR_NAME:error message
		idx := strings.Index(result, "ERROR:")
		rest := result[idx+6:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := rest[colonIdx+1:]
		if nl := strings.IndexByte(errorMsg, '\n'); nl != -1 {
			errorMsg = errorMsg[:nl]
		}
		if errorMsg == "" {
			errorMsg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolvePathFromConfig converts a path to absolute, resolving relative
// paths against the config file's directory. Expands ~ to home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(configDir, path)
}

// checkFilePermissions warns if the fleet file is group/world readable.
// Agent files routinely embed token env names, not tokens, so only the
// fleet file is checked.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Debug("config file has open permissions",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
