package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
)

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive console on a live fleet",
		Long: `Start the fleet and drop into an interactive console. The scheduler
and chat bridges run in the background while you trigger, inspect and
cancel jobs at the prompt. Type "help" for the command list.`,
		RunE: runConsole,
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return err
	}

	logger := quietLogger(cmd)
	mgr := fleet.New(path, nil, logger)
	if err := mgr.Initialize(); err != nil {
		return fmt.Errorf("initializing fleet: %w", err)
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("starting fleet: %w", err)
	}
	defer mgr.Stop(fleet.StopOptions{Timeout: 10 * time.Second, CancelOnTimeout: true})

	completer := readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("status"),
		readline.PcItem("agents"),
		readline.PcItem("jobs"),
		readline.PcItem("show"),
		readline.PcItem("trigger"),
		readline.PcItem("cancel"),
		readline.PcItem("fork"),
		readline.PcItem("schedules"),
		readline.PcItem("enable"),
		readline.PcItem("disable"),
		readline.PcItem("events", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("reload"),
		readline.PcItem("exit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "clawfleet> ",
		HistoryFile:     filepath.Join(mgr.StateDir(), ".console_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close()

	status := mgr.Status()
	fmt.Printf("Fleet %q running: %d agents, %d schedules. Type \"help\" for commands.\n",
		status.FleetName, status.AgentCount, status.ScheduleCount)

	con := &console{mgr: mgr}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			break
		}
		if err := con.run(fields[0], fields[1:]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	con.stopTap()
	fmt.Println("Stopping fleet...")
	return nil
}

// console holds the REPL's live state: the fleet and the optional event
// tap subscription.
type console struct {
	mgr    *fleet.Manager
	offTap func()
}

func (c *console) stopTap() {
	if c.offTap != nil {
		c.offTap()
		c.offTap = nil
	}
}

func (c *console) run(cmd string, args []string) error {
	mgr := c.mgr
	switch cmd {
	case "help":
		printConsoleHelp()
		return nil
	case "status":
		return consoleStatus(mgr)
	case "agents":
		return consoleAgents(mgr)
	case "jobs":
		agent := ""
		if len(args) > 0 {
			agent = args[0]
		}
		return consoleJobs(mgr, agent)
	case "show":
		if len(args) != 1 {
			return fmt.Errorf("usage: show <job-id>")
		}
		return consoleShow(mgr, args[0])
	case "trigger":
		if len(args) < 1 {
			return fmt.Errorf("usage: trigger <agent> [schedule] [prompt...]")
		}
		agentName := args[0]
		schedule := ""
		rest := args[1:]
		// A second word naming one of the agent's schedules is a schedule;
		// everything after (or everything else) is a prompt override.
		if len(rest) > 0 {
			if agent, ok := mgr.AgentByName(agentName); ok {
				if _, isSchedule := agent.Schedules[rest[0]]; isSchedule {
					schedule = rest[0]
					rest = rest[1:]
				}
			}
		}
		result, err := mgr.Trigger(agentName, schedule, fleet.TriggerOptions{
			Prompt: strings.Join(rest, " "),
		})
		if err != nil {
			return err
		}
		fmt.Printf("triggered %s\n", result.JobID)
		return nil
	case "events":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: events on|off")
		}
		if args[0] == "off" {
			c.stopTap()
			fmt.Println("event tap off")
			return nil
		}
		if c.offTap != nil {
			return nil
		}
		c.offTap = mgr.Bus().On(events.Any, func(ev events.Event) {
			fmt.Printf("[event] %s %+v\n", ev.Name, ev.Payload)
		})
		fmt.Println("event tap on")
		return nil
	case "cancel":
		if len(args) != 1 {
			return fmt.Errorf("usage: cancel <job-id>")
		}
		if err := mgr.CancelJob(args[0]); err != nil {
			return err
		}
		fmt.Printf("cancelled %s\n", args[0])
		return nil
	case "fork":
		if len(args) != 1 {
			return fmt.Errorf("usage: fork <job-id>")
		}
		result, err := mgr.ForkJob(args[0], fleet.TriggerOptions{})
		if err != nil {
			return err
		}
		fmt.Printf("forked %s -> %s\n", args[0], result.JobID)
		return nil
	case "schedules":
		return consoleSchedules(mgr)
	case "enable", "disable":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <agent> <schedule>", cmd)
		}
		var err error
		if cmd == "enable" {
			err = mgr.EnableSchedule(args[0], args[1])
		} else {
			err = mgr.DisableSchedule(args[0], args[1])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s/%s %sd\n", args[0], args[1], cmd)
		return nil
	case "reload":
		if err := mgr.Reload(); err != nil {
			return err
		}
		fmt.Println("config reloaded")
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func printConsoleHelp() {
	fmt.Println(`Commands:
  status                        fleet snapshot
  agents                        list agents
  jobs [agent]                  recent jobs, optionally for one agent
  show <job-id>                 job details
  trigger <agent> [schedule] [prompt...]
                                start a job, optionally with a prompt
  cancel <job-id>               cancel a running job
  fork <job-id>                 fork a finished job's session
  schedules                     list schedules with runtime state
  enable <agent> <schedule>     re-enable a schedule
  disable <agent> <schedule>    disable a schedule at runtime
  events on|off                 print fleet events as they happen
  reload                        reload configuration
  exit                          stop the fleet and leave`)
}

func consoleStatus(mgr *fleet.Manager) error {
	s := mgr.Status()
	fmt.Printf("state=%s agents=%d schedules=%d running_jobs=%d uptime=%s\n",
		s.State, s.AgentCount, s.ScheduleCount, s.RunningJobs, formatDuration(s.Uptime))
	return nil
}

func consoleAgents(mgr *fleet.Manager) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODEL\tRUNNING\tSCHEDULES")
	for _, info := range mgr.Agents() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", info.Name, info.Model, info.RunningJobs, len(info.Schedules))
	}
	return w.Flush()
}

func consoleJobs(mgr *fleet.Manager, agent string) error {
	result, err := mgr.Jobs().GetJobs(jobs.Query{Agent: agent, Limit: 10})
	if err != nil {
		return err
	}
	if len(result.Jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, job := range result.Jobs {
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\n",
			statusGlyph(job.Status), job.ID, job.AgentName, job.Status, formatDuration(job.Duration()))
	}
	return w.Flush()
}

func consoleShow(mgr *fleet.Manager, id string) error {
	detail, err := mgr.Jobs().GetJob(id, false)
	if err != nil {
		return err
	}
	job := detail.Job
	fmt.Printf("%s  agent=%s status=%s trigger=%s started=%s duration=%s\n",
		job.ID, job.AgentName, job.Status, job.TriggerType,
		formatTime(job.StartedAt), formatDuration(job.Duration()))
	if job.ErrorMessage != "" {
		fmt.Printf("error: %s\n", job.ErrorMessage)
	}
	if job.SessionID != "" {
		fmt.Printf("session: %s\n", job.SessionID)
	}
	return nil
}

func consoleSchedules(mgr *fleet.Manager) error {
	snaps, err := mgr.Schedules()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSCHEDULE\tSTATUS\tLAST RUN\tNEXT RUN")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.AgentName, s.ScheduleName, s.Status,
			formatTimePtr(s.LastRunAt), formatTimePtr(s.NextRunAt))
	}
	return w.Flush()
}
