package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect configured agents",
	}
	cmd.AddCommand(
		newAgentsListCmd(),
		newAgentsShowCmd(),
	)
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Agents) == 0 {
				fmt.Println("No agents configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODEL\tSCHEDULES\tCHAT\tDESCRIPTION")
			for _, agent := range cfg.Agents {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					agent.Name, agent.Model, len(agent.Schedules), chatLabel(agent),
					truncate(agent.Description, 60))
			}
			return w.Flush()
		},
	}
}

func newAgentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one agent's configuration and recent jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			agent, ok := cfg.AgentByName(args[0])
			if !ok {
				return fmt.Errorf("unknown agent %q (have: %v)", args[0], cfg.AgentNames())
			}

			fmt.Printf("Name:         %s\n", agent.Name)
			if agent.Description != "" {
				fmt.Printf("Description:  %s\n", agent.Description)
			}
			fmt.Printf("Model:        %s\n", agent.Model)
			fmt.Printf("Working dir:  %s\n", agent.WorkingDir.Root)
			fmt.Printf("Runtime:      %s\n", agent.Runtime)
			fmt.Printf("Concurrency:  %d\n", agent.MaxConcurrent)
			fmt.Printf("Chat:         %s\n", chatLabel(agent))
			fmt.Printf("Config file:  %s\n", agent.ConfigPath)

			if len(agent.Schedules) > 0 {
				fmt.Println("\nSchedules:")
				for _, name := range agent.ScheduleNames() {
					sched := agent.Schedules[name]
					when := sched.Interval
					if sched.Type == config.ScheduleTypeCron {
						when = sched.Cron
					}
					state := ""
					if !sched.IsEnabled() {
						state = " (disabled)"
					}
					fmt.Printf("  %s: %s %s%s\n", name, sched.Type, when, state)
				}
			}

			mgr, err := openJobManager(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			result, err := mgr.GetJobs(jobs.Query{Agent: agent.Name, Limit: 5})
			if err != nil {
				return err
			}
			if len(result.Jobs) > 0 {
				fmt.Printf("\nRecent jobs (%d total):\n", result.Total)
				for _, job := range result.Jobs {
					fmt.Printf("  %s %s  %s  %s\n",
						statusGlyph(job.Status), job.ID, job.Status, formatTime(job.StartedAt))
				}
			}
			return nil
		},
	}
}

func chatLabel(agent *config.Agent) string {
	if agent.Chat == nil {
		return "-"
	}
	switch {
	case agent.Chat.Discord != nil && agent.Chat.Slack != nil:
		return "discord+slack"
	case agent.Chat.Discord != nil:
		return "discord"
	case agent.Chat.Slack != nil:
		return "slack"
	}
	return "-"
}
