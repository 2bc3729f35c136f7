package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// DefaultSDKCommand is the argv the sdk runtime uses when the agent does
// not configure runner.command. The claude CLI's stream-json mode emits
// one JSON message per stdout line, which is exactly the stream the
// executor consumes.
var DefaultSDKCommand = []string{"claude", "--print", "--verbose", "--output-format", "stream-json"}

// maxLineSize bounds a single stream line. Tool results can carry whole
// files.
const maxLineSize = 10 * 1024 * 1024

// ExecRunner spawns a subprocess per job and parses its stdout as one
// JSON message per line. In sdk mode the prompt and model are passed as
// CLI flags of the claude CLI; in exec mode the configured argv is run
// as-is with the prompt on stdin and job metadata in the environment.
type ExecRunner struct {
	sdkFlags bool
	command  []string
	logger   *slog.Logger
}

// NewSDKRunner returns the runner behind the "sdk" runtime tag.
func NewSDKRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		sdkFlags: true,
		command:  DefaultSDKCommand,
		logger:   logger.With("component", "runner", "runtime", "sdk"),
	}
}

// NewExecRunner returns the runner behind the "exec" runtime tag. Agents
// using it must configure runner.command.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		sdkFlags: false,
		logger:   logger.With("component", "runner", "runtime", "exec"),
	}
}

func (r *ExecRunner) Run(ctx context.Context, req Request, emit EmitFunc) error {
	argv, err := r.buildArgv(req)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = buildEnv(req)

	if !r.sdkFlags {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	// Kill the whole process group on cancellation so tool subprocesses
	// don't outlive the job.
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting runner %s: %w", argv[0], err)
	}

	r.logger.Debug("runner started", "job_id", req.JobID, "agent", req.AgentName, "command", argv[0])

	var emitErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := Parse(line)
		if err != nil {
			r.logger.Warn("skipping malformed runner output line", "job_id", req.JobID, "error", err)
			continue
		}
		if err := emit(msg); err != nil {
			emitErr = err
			cancel()
			break
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	if emitErr != nil {
		return fmt.Errorf("consuming runner output: %w", emitErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("reading runner output: %w", scanErr)
	}
	if waitErr != nil {
		if tail := stderrTail(stderr.Bytes()); tail != "" {
			return fmt.Errorf("runner exited: %w: %s", waitErr, tail)
		}
		return fmt.Errorf("runner exited: %w", waitErr)
	}
	return nil
}

// buildArgv assembles the subprocess argv for the request.
func (r *ExecRunner) buildArgv(req Request) ([]string, error) {
	base := req.Command
	if len(base) == 0 {
		base = r.command
	}
	if len(base) == 0 {
		return nil, fmt.Errorf("agent %s: exec runtime requires runner.command", req.AgentName)
	}

	argv := append([]string(nil), base...)
	if r.sdkFlags {
		if req.Model != "" {
			argv = append(argv, "--model", req.Model)
		}
		if req.SessionID != "" {
			argv = append(argv, "--resume", req.SessionID)
		}
		argv = append(argv, req.Prompt)
	}
	return argv, nil
}

// buildEnv starts from the current environment and layers the agent's
// runner env plus job metadata on top.
func buildEnv(req Request) []string {
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"CLAWFLEET_JOB_ID="+req.JobID,
		"CLAWFLEET_AGENT="+req.AgentName,
	)
	if req.Model != "" {
		env = append(env, "CLAWFLEET_MODEL="+req.Model)
	}
	if req.SessionID != "" {
		env = append(env, "CLAWFLEET_SESSION_ID="+req.SessionID)
	}
	return env
}

// stderrTail returns the last line of captured stderr, or "".
func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return ""
	}
	if idx := strings.LastIndexByte(s, '\n'); idx != -1 {
		s = s[idx+1:]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
