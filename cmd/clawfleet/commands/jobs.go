package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(),
		newJobsShowCmd(),
		newJobsTailCmd(),
		newJobsRetentionCmd(),
	)
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		agent  string
		status string
		since  string
		until  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			mgr, err := openJobManager(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}

			query := jobs.Query{Agent: agent, Status: status, Limit: limit, Offset: offset}
			if since != "" {
				t, err := parseTimeFlag(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				query.StartedAfter = t
			}
			if until != "" {
				t, err := parseTimeFlag(until)
				if err != nil {
					return fmt.Errorf("--until: %w", err)
				}
				query.StartedBefore = t
			}

			result, err := mgr.GetJobs(query)
			if err != nil {
				return err
			}
			if len(result.Jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tAGENT\tSTATUS\tTRIGGER\tSTARTED\tDURATION")
			for _, job := range result.Jobs {
				fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t%s\t%s\n",
					statusGlyph(job.Status), job.ID, job.AgentName, job.Status,
					job.TriggerType, formatTime(job.StartedAt), formatDuration(job.Duration()))
			}
			w.Flush()

			if result.Total > len(result.Jobs) {
				fmt.Printf("\nShowing %d of %d jobs.\n", len(result.Jobs), result.Total)
			}
			if result.Errors > 0 {
				fmt.Fprintf(os.Stderr, "Warning: %d unreadable job files skipped.\n", result.Errors)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&since, "since", "", "only jobs started after (2006-01-02 or a duration ago like 24h)")
	cmd.Flags().StringVar(&until, "until", "", "only jobs started before (same formats as --since)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to show (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many jobs")

	return cmd
}

// parseTimeFlag accepts either an absolute date/timestamp or a duration
// meaning "that long ago".
func parseTimeFlag(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as date or duration", s)
}

func newJobsShowCmd() *cobra.Command {
	var withOutput bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's metadata and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			mgr, err := openJobManager(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}

			detail, err := mgr.GetJob(args[0], withOutput)
			if err != nil {
				return err
			}
			job := detail.Job

			fmt.Printf("ID:        %s\n", job.ID)
			fmt.Printf("Agent:     %s\n", job.AgentName)
			if job.ScheduleName != "" {
				fmt.Printf("Schedule:  %s\n", job.ScheduleName)
			}
			fmt.Printf("Status:    %s %s\n", statusGlyph(job.Status), job.Status)
			fmt.Printf("Trigger:   %s\n", job.TriggerType)
			fmt.Printf("Prompt:    %s\n", truncate(job.Prompt, 120))
			fmt.Printf("Started:   %s\n", formatTime(job.StartedAt))
			fmt.Printf("Finished:  %s\n", formatTimePtr(job.FinishedAt))
			fmt.Printf("Duration:  %s\n", formatDuration(job.Duration()))
			if job.ExitReason != "" {
				fmt.Printf("Exit:      %s\n", job.ExitReason)
			}
			if job.ErrorMessage != "" {
				fmt.Printf("Error:     %s\n", job.ErrorMessage)
			}
			if job.SessionID != "" {
				fmt.Printf("Session:   %s\n", job.SessionID)
			}
			if job.ForkedFrom != "" {
				fmt.Printf("Forked:    %s\n", job.ForkedFrom)
			}

			if withOutput {
				fmt.Println("\nOutput:")
				for _, msg := range detail.Output {
					printMessage(msg)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&withOutput, "output", "o", false, "include the job's output stream")

	return cmd
}

func newJobsTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Follow a job's output until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			mgr, err := openJobManager(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}

			stream, err := mgr.StreamJobOutput(args[0])
			if err != nil {
				return err
			}
			defer stream.Stop()

			for msg := range stream.Messages() {
				printMessage(msg)
			}
			return stream.Err()
		},
	}
}

func newJobsRetentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Apply retention limits to stored jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			mgr, err := openJobManager(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}

			deleted, err := mgr.ApplyRetention()
			if err != nil {
				return err
			}
			if deleted == 0 {
				fmt.Println("Nothing to delete; all jobs within limits.")
			} else {
				fmt.Printf("Deleted %d jobs.\n", deleted)
			}
			return nil
		},
	}
}
