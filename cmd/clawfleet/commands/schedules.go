package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/scheduler"
)

func newSchedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and toggle schedules",
	}
	cmd.AddCommand(
		newSchedulesListCmd(),
		newSchedulesEnableCmd(),
		newSchedulesDisableCmd(),
	)
	return cmd
}

func newSchedulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules with their persisted runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}

			// Runtime state (last run, runtime disable) lives in the
			// scheduler database; SQLite WAL lets us read it alongside a
			// running daemon.
			state := map[[2]string]scheduler.StateRow{}
			store, err := scheduler.OpenStateStore(cfg.Meta.StateDir)
			if err == nil {
				defer store.Close()
				rows, loadErr := store.LoadAll()
				if loadErr != nil {
					return loadErr
				}
				for _, row := range rows {
					state[[2]string{row.Agent, row.Schedule}] = row
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSCHEDULE\tTYPE\tWHEN\tENABLED\tLAST RUN")
			count := 0
			for _, agent := range cfg.Agents {
				for _, name := range agent.ScheduleNames() {
					sched := agent.Schedules[name]
					when := sched.Interval
					if sched.Type == config.ScheduleTypeCron {
						when = sched.Cron
					}

					enabled := "yes"
					if !sched.IsEnabled() {
						enabled = "no (config)"
					} else if row, ok := state[[2]string{agent.Name, name}]; ok && row.Disabled {
						enabled = "no (runtime)"
					}

					lastRun := "-"
					if row, ok := state[[2]string{agent.Name, name}]; ok && row.LastRunAt != nil {
						lastRun = formatTime(*row.LastRunAt)
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						agent.Name, name, sched.Type, when, enabled, lastRun)
					count++
				}
			}
			w.Flush()
			if count == 0 {
				fmt.Println("No schedules configured.")
			}
			return nil
		},
	}
}

func newSchedulesEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <agent> <schedule>",
		Short: "Clear a schedule's runtime disable flag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setScheduleDisabled(cmd, args[0], args[1], false)
		},
	}
}

func newSchedulesDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <agent> <schedule>",
		Short: "Disable a schedule at runtime without editing config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setScheduleDisabled(cmd, args[0], args[1], true)
		},
	}
}

func setScheduleDisabled(cmd *cobra.Command, agentName, scheduleName string, disabled bool) error {
	cfg, err := loadFleet(cmd)
	if err != nil {
		return err
	}
	agent, ok := cfg.AgentByName(agentName)
	if !ok {
		return fmt.Errorf("unknown agent %q (have: %v)", agentName, cfg.AgentNames())
	}
	if _, ok := agent.Schedules[scheduleName]; !ok {
		return fmt.Errorf("agent %q has no schedule %q (have: %v)",
			agentName, scheduleName, agent.ScheduleNames())
	}

	store, err := scheduler.OpenStateStore(cfg.Meta.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	// Preserve last_run_at so toggling never re-fires an interval early.
	row := scheduler.StateRow{Agent: agentName, Schedule: scheduleName, Disabled: disabled}
	rows, err := store.LoadAll()
	if err != nil {
		return err
	}
	for _, existing := range rows {
		if existing.Agent == agentName && existing.Schedule == scheduleName {
			row.LastRunAt = existing.LastRunAt
			break
		}
	}
	if err := store.Save(row); err != nil {
		return err
	}

	verb := "enabled"
	if disabled {
		verb = "disabled"
	}
	fmt.Printf("Schedule %s/%s %s.\n", agentName, scheduleName, verb)
	if disabled {
		fmt.Println("A running daemon picks this up on its next state reload; restart or reload to apply immediately.")
	}
	return nil
}
