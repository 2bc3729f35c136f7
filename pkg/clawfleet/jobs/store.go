package jobs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// maxOutputLine bounds a single output line when scanning the .jsonl file.
// Matches the runner's stream line limit.
const maxOutputLine = 10 * 1024 * 1024

// createAttempts bounds id-collision retries before giving up. With a
// 36^6 suffix space, more than one retry is already vanishingly rare.
const createAttempts = 10

// Store reads and writes job metadata and output under <stateDir>/jobs.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore opens the job store, creating the jobs directory when absent.
func NewStore(stateDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(stateDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &fleeterr.StateDirError{StateDir: stateDir, Cause: err}
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "jobs"),
	}, nil
}

// Dir returns the directory holding job files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

func (s *Store) outputPath(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Create allocates a unique id for the job and persists its initial
// metadata. The id is derived from job.StartedAt; uniqueness within the
// state dir is enforced by exclusive file creation, retrying the random
// suffix on collision.
func (s *Store) Create(job *Job) error {
	if job.StartedAt.IsZero() {
		return fmt.Errorf("creating job: started_at is not set")
	}
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job metadata: %w", err)
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		id := newID(job.StartedAt)
		f, err := os.OpenFile(s.metadataPath(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			s.logger.Debug("job id collision, retrying", "id", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("creating job metadata: %w", err)
		}
		job.ID = id
		// Re-encode with the id filled in.
		data, err = yaml.Marshal(job)
		if err != nil {
			f.Close()
			return fmt.Errorf("encoding job metadata: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("writing job metadata: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("writing job metadata: %w", err)
		}
		return nil
	}
	return fmt.Errorf("creating job: exhausted %d id attempts", createAttempts)
}

// Save rewrites the job's metadata file. The write goes through a temp
// file and rename so concurrent readers never observe a torn document.
func (s *Store) Save(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("saving job: id is not set")
	}
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job metadata: %w", err)
	}
	path := s.metadataPath(job.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing job metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing job metadata: %w", err)
	}
	return nil
}

// Load reads one job's metadata.
func (s *Store) Load(id string) (*Job, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &fleeterr.JobNotFoundError{JobID: id, Cause: err}
	}
	if err != nil {
		return nil, fmt.Errorf("reading job metadata: %w", err)
	}
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parsing job metadata %s: %w", id, err)
	}
	return &job, nil
}

// List reads every job's metadata. Files that fail to parse are skipped
// with a warning; the second return value counts them.
func (s *Store) List() ([]*Job, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("reading jobs directory: %w", err)
	}
	var out []*Job
	parseErrors := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		if !ValidID(id) {
			continue
		}
		job, err := s.Load(id)
		if err != nil {
			parseErrors++
			s.logger.Warn("skipping unreadable job metadata", "id", id, "error", err)
			continue
		}
		out = append(out, job)
	}
	return out, parseErrors, nil
}

// Delete removes a job's metadata and output files. A missing or
// undeletable output file is logged at warn; metadata removal alone
// counts as success.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.metadataPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &fleeterr.JobNotFoundError{JobID: id, Cause: err}
		}
		return fmt.Errorf("deleting job metadata: %w", err)
	}
	if err := os.Remove(s.outputPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to delete job output", "id", id, "error", err)
	}
	return nil
}

// AppendOutput appends one message line to the job's output log. The line
// is written with its trailing newline in a single call so readers only
// ever see whole lines.
func (s *Store) AppendOutput(id string, raw []byte) error {
	f, err := os.OpenFile(s.outputPath(id), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening job output: %w", err)
	}
	defer f.Close()
	line := make([]byte, 0, len(raw)+1)
	line = append(line, raw...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending job output: %w", err)
	}
	return nil
}

// ReadOutput returns all persisted output messages in production order.
// A missing output file yields an empty slice: the job simply has not
// produced anything yet. Malformed lines are skipped with a warning.
func (s *Store) ReadOutput(id string) ([]*runner.Message, error) {
	f, err := os.Open(s.outputPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening job output: %w", err)
	}
	defer f.Close()

	var msgs []*runner.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := runner.Parse(line)
		if err != nil {
			s.logger.Warn("skipping malformed output line", "id", id, "line", lineNo, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("reading job output: %w", err)
	}
	return msgs, nil
}
