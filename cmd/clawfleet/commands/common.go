package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/jobs"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// resolveConfigPath returns the fleet file path: the --config flag when
// set, otherwise the standard discovery order.
func resolveConfigPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file not found: %s", path)
		}
		return path, nil
	}
	if found := config.FindConfigFile(); found != "" {
		return found, nil
	}
	return "", fmt.Errorf("no fleet file found; run 'clawfleet init' or pass --config")
}

// loadFleet resolves and loads the fleet configuration for one-shot
// commands that do not need a running manager.
func loadFleet(cmd *cobra.Command) (*config.Fleet, error) {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// newLogger builds the process logger from the fleet's logging settings.
// --verbose forces debug level regardless of configuration.
func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// quietLogger suppresses subsystem logging in one-shot commands unless
// --verbose asks for it.
func quietLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		return newLogger(config.LoggingConfig{Level: "debug"}, true)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openJobManager builds a job manager straight from the fleet config,
// for commands that inspect jobs without a running daemon.
func openJobManager(cfg *config.Fleet, logger *slog.Logger) (*jobs.Manager, error) {
	store, err := jobs.NewStore(cfg.Meta.StateDir, logger)
	if err != nil {
		return nil, err
	}
	return jobs.NewManager(store, cfg.Meta.Retention, logger), nil
}

// formatDuration renders durations the way listings want them: sub-second
// in milliseconds, under a minute in seconds, otherwise minutes+seconds.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

// formatTime renders a timestamp in local time for terminal output.
func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatTimePtr is formatTime for optional timestamps.
func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// statusGlyph maps a job status to a one-character marker for listings.
func statusGlyph(status string) string {
	switch status {
	case jobs.StatusCompleted:
		return "✓"
	case jobs.StatusFailed:
		return "✗"
	case jobs.StatusCancelled:
		return "⊘"
	case jobs.StatusRunning:
		return "▶"
	default:
		return "·"
	}
}

// printMessage renders one output stream message for the terminal.
func printMessage(msg *runner.Message) {
	switch msg.Type {
	case runner.MessageAssistant:
		if text := msg.Text(); text != "" {
			fmt.Println(text)
		}
		for _, tu := range msg.ToolUses() {
			fmt.Printf("  [tool] %s\n", tu.Name)
		}
	case runner.MessageResult:
		if r := msg.Result(); r != nil {
			status := "done"
			if r.IsError {
				status = "error"
			}
			fmt.Printf("-- %s in %s, %d turns, $%.4f\n",
				status, formatDuration(time.Duration(r.DurationMs)*time.Millisecond),
				r.NumTurns, r.CostUSD)
		}
	case runner.MessageError:
		fmt.Printf("  [error] %s\n", msg.ErrorText())
	case runner.MessageSystem:
		if msg.Subtype() == "init" {
			fmt.Printf("  [session] %s\n", msg.SessionID)
		}
	}
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
