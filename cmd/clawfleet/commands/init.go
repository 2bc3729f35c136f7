package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a fleet file and a first agent interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

type initAnswers struct {
	FleetName   string
	StateDir    string
	AgentName   string
	Description string
	Model       string
	WorkingDir  string
	Interval    string
	Prompt      string
	Platform    string
	TokenEnv    string
}

func runInit(force bool) error {
	fleetPath := "fleet.yaml"
	if _, err := os.Stat(fleetPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", fleetPath)
	}

	answers := initAnswers{
		StateDir:   "state",
		Model:      "claude-sonnet",
		WorkingDir: ".",
		Interval:   "1h",
		Platform:   "none",
	}

	validateName := func(s string) error {
		if !namePattern.MatchString(s) {
			return fmt.Errorf("use lowercase letters, digits, - and _")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Fleet name").
				Placeholder("my-fleet").
				Validate(validateName).
				Value(&answers.FleetName),
			huh.NewInput().
				Title("State directory").
				Description("Job metadata, output logs and scheduler state live here").
				Value(&answers.StateDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("First agent name").
				Placeholder("reporter").
				Validate(validateName).
				Value(&answers.AgentName),
			huh.NewInput().
				Title("Description").
				Placeholder("What this agent does").
				Value(&answers.Description),
			huh.NewInput().
				Title("Model").
				Value(&answers.Model),
			huh.NewInput().
				Title("Working directory").
				Value(&answers.WorkingDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Schedule interval").
				Description("e.g. 30m, 1h, 2d").
				Validate(func(s string) error {
					_, err := config.ParseInterval(s)
					return err
				}).
				Value(&answers.Interval),
			huh.NewInput().
				Title("Schedule prompt").
				Placeholder("Check for anything that needs attention").
				Value(&answers.Prompt),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Chat platform").
				Options(
					huh.NewOption("None", "none"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Slack", "slack"),
				).
				Value(&answers.Platform),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("init aborted: %w", err)
	}

	if answers.Platform != "none" {
		defaultEnv := "DISCORD_BOT_TOKEN"
		if answers.Platform == "slack" {
			defaultEnv = "SLACK_BOT_TOKEN"
		}
		answers.TokenEnv = defaultEnv
		tokenForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Token environment variable").
				Description("The env var (or secret name) holding the bot token").
				Value(&answers.TokenEnv),
		))
		if err := tokenForm.Run(); err != nil {
			return fmt.Errorf("init aborted: %w", err)
		}
	}

	if answers.Prompt == "" {
		answers.Prompt = "Check for anything that needs attention"
	}

	agentDir := "agents"
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", agentDir, err)
	}
	agentPath := filepath.Join(agentDir, answers.AgentName+".yaml")
	if _, err := os.Stat(agentPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", agentPath)
	}

	if err := os.WriteFile(fleetPath, []byte(renderFleetFile(answers, agentPath)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", fleetPath, err)
	}
	if err := os.WriteFile(agentPath, []byte(renderAgentFile(answers)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", agentPath, err)
	}

	fmt.Printf("Created %s and %s.\n\n", fleetPath, agentPath)
	fmt.Println("Next steps:")
	switch answers.Platform {
	case "discord":
		fmt.Printf("  export %s=...   # or: clawfleet secrets set %s\n", answers.TokenEnv, answers.TokenEnv)
	case "slack":
		fmt.Printf("  export %s=...   # or: clawfleet secrets set %s\n", answers.TokenEnv, answers.TokenEnv)
		fmt.Println("  export SLACK_APP_TOKEN=...   # xapp token for Socket Mode")
	}
	fmt.Println("  clawfleet serve --watch")
	return nil
}

func renderFleetFile(a initAnswers, agentPath string) string {
	var b strings.Builder
	b.WriteString("version: 1\n\n")
	b.WriteString("fleet:\n")
	fmt.Fprintf(&b, "  name: %s\n", a.FleetName)
	fmt.Fprintf(&b, "  state_dir: %s\n", a.StateDir)
	b.WriteString("  retention:\n")
	b.WriteString("    max_jobs_per_agent: 100\n")
	b.WriteString("  logging:\n")
	b.WriteString("    level: info\n")
	b.WriteString("    format: text\n\n")
	b.WriteString("agents:\n")
	fmt.Fprintf(&b, "  - path: %s\n", filepath.ToSlash(agentPath))
	return b.String()
}

func renderAgentFile(a initAnswers) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", a.AgentName)
	if a.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", a.Description)
	}
	fmt.Fprintf(&b, "model: %s\n", a.Model)
	fmt.Fprintf(&b, "working_dir: %s\n", a.WorkingDir)
	b.WriteString("max_concurrent: 1\n\n")
	b.WriteString("schedules:\n")
	b.WriteString("  main:\n")
	b.WriteString("    type: interval\n")
	fmt.Fprintf(&b, "    interval: %s\n", a.Interval)
	fmt.Fprintf(&b, "    prompt: %s\n", a.Prompt)
	switch a.Platform {
	case "discord":
		b.WriteString("\nchat:\n")
		b.WriteString("  discord:\n")
		fmt.Fprintf(&b, "    token_env: %s\n", a.TokenEnv)
	case "slack":
		b.WriteString("\nchat:\n")
		b.WriteString("  slack:\n")
		fmt.Fprintf(&b, "    bot_token_env: %s\n", a.TokenEnv)
		b.WriteString("    app_token_env: SLACK_APP_TOKEN\n")
	}
	return b.String()
}
