package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

func newTriggerCmd() *cobra.Command {
	var (
		prompt      string
		follow      bool
		bypassLimit bool
	)

	cmd := &cobra.Command{
		Use:   "trigger <agent> [schedule]",
		Short: "Trigger an agent job and wait for it to finish",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduleName := ""
			if len(args) > 1 {
				scheduleName = args[1]
			}
			return runTrigger(cmd, args[0], scheduleName, prompt, follow, bypassLimit)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt override for this job")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream job output while it runs")
	cmd.Flags().BoolVar(&bypassLimit, "bypass-limit", false, "ignore the agent's concurrency limit")

	return cmd
}

func runTrigger(cmd *cobra.Command, agentName, scheduleName, prompt string, follow, bypassLimit bool) error {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return err
	}

	logger := quietLogger(cmd)
	mgr := fleet.New(path, nil, logger)
	if err := mgr.Initialize(); err != nil {
		return fmt.Errorf("initializing fleet: %w", err)
	}

	// Subscribe before triggering; terminal events are buffered and matched
	// against the job id afterwards, since the job can finish before
	// Trigger even returns.
	type outcome struct {
		jobID  string
		failed bool
		errMsg string
	}
	done := make(chan outcome, 16)

	finish := func(ev events.Event) {
		switch p := ev.Payload.(type) {
		case events.JobCompletedPayload:
			done <- outcome{jobID: p.JobID}
		case events.JobFailedPayload:
			done <- outcome{jobID: p.JobID, failed: true, errMsg: p.Error}
		case events.JobCancelledPayload:
			done <- outcome{jobID: p.JobID, failed: true, errMsg: "job cancelled"}
		}
	}
	offCompleted := mgr.Bus().On(events.JobCompleted, finish)
	offFailed := mgr.Bus().On(events.JobFailed, finish)
	offCancelled := mgr.Bus().On(events.JobCancelled, finish)
	defer offCompleted()
	defer offFailed()
	defer offCancelled()

	var offOutput func()
	if follow {
		offOutput = mgr.Bus().On(events.JobOutput, func(ev events.Event) {
			p, ok := ev.Payload.(events.JobOutputPayload)
			if !ok {
				return
			}
			if msg, err := runner.Parse(p.Message); err == nil {
				printMessage(msg)
			}
		})
		defer offOutput()
	}

	result, err := mgr.Trigger(agentName, scheduleName, fleet.TriggerOptions{
		Prompt:                 prompt,
		BypassConcurrencyLimit: bypassLimit,
	})
	if err != nil {
		return err
	}
	jobID := result.JobID

	fmt.Printf("Triggered %s", result.AgentName)
	if result.ScheduleName != "" {
		fmt.Printf(" (%s)", result.ScheduleName)
	}
	fmt.Printf(": %s\n", result.JobID)

	var out outcome
	for out = range done {
		if out.jobID == jobID {
			break
		}
	}

	stopErr := mgr.Stop(fleet.StopOptions{Timeout: 5 * time.Second})
	if stopErr != nil {
		logger.Warn("stop after trigger", "error", stopErr)
	}

	if out.failed {
		return fmt.Errorf("job %s failed: %s", jobID, out.errMsg)
	}
	fmt.Printf("Job %s completed\n", jobID)
	return nil
}
