package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet configuration and job counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}

			scheduleCount := 0
			for _, agent := range cfg.Agents {
				scheduleCount += len(agent.Schedules)
			}

			fmt.Printf("Fleet:      %s\n", cfg.Meta.Name)
			fmt.Printf("Config:     %s\n", cfg.ConfigPath)
			fmt.Printf("State dir:  %s\n", cfg.Meta.StateDir)
			fmt.Printf("Agents:     %d\n", len(cfg.Agents))
			fmt.Printf("Schedules:  %d\n", scheduleCount)

			mgr, err := openJobManager(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			result, err := mgr.GetJobs(jobs.Query{})
			if err != nil {
				return err
			}

			counts := map[string]int{}
			for _, job := range result.Jobs {
				counts[job.Status]++
			}
			fmt.Printf("Jobs:       %d total", result.Total)
			for _, status := range []string{jobs.StatusRunning, jobs.StatusPending,
				jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled} {
				if counts[status] > 0 {
					fmt.Printf(", %d %s", counts[status], status)
				}
			}
			fmt.Println()
			return nil
		},
	}
}
