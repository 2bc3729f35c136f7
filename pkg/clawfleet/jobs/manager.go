package jobs

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// defaultStreamPoll is how often a Stream re-checks the output log and
// the job's status.
const defaultStreamPoll = time.Second

// Query filters and pages a job listing. Zero values mean "no filter".
type Query struct {
	Agent         string
	Status        string
	StartedAfter  time.Time
	StartedBefore time.Time

	// Limit caps the page size; 0 returns everything from Offset on.
	Limit  int
	Offset int
}

// QueryResult is one page of jobs. Total counts matches before paging;
// Errors counts metadata files that could not be parsed and were skipped.
type QueryResult struct {
	Jobs   []*Job
	Total  int
	Errors int
}

// Detail is one job with its output attached on request.
type Detail struct {
	Job    *Job
	Output []*runner.Message
}

// Manager answers queries over the job store and enforces retention.
type Manager struct {
	store     *Store
	retention config.RetentionConfig
	logger    *slog.Logger
}

// NewManager creates a job manager over the given store. The retention
// config is applied with defaults filled in.
func NewManager(store *Store, retention config.RetentionConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		retention: retention.Effective(),
		logger:    logger.With("component", "jobs"),
	}
}

// Store returns the underlying job store.
func (m *Manager) Store() *Store { return m.store }

// GetJobs lists jobs matching the query, newest first.
func (m *Manager) GetJobs(q Query) (*QueryResult, error) {
	all, parseErrors, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	matched := all[:0]
	for _, job := range all {
		if q.Agent != "" && job.AgentName != q.Agent {
			continue
		}
		if q.Status != "" && job.Status != q.Status {
			continue
		}
		if !q.StartedAfter.IsZero() && job.StartedAt.Before(q.StartedAfter) {
			continue
		}
		if !q.StartedBefore.IsZero() && job.StartedAt.After(q.StartedBefore) {
			continue
		}
		matched = append(matched, job)
	}

	sortNewestFirst(matched)

	total := len(matched)
	page := matched
	if q.Offset > 0 {
		if q.Offset >= len(page) {
			page = nil
		} else {
			page = page[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(page) {
		page = page[:q.Limit]
	}

	return &QueryResult{Jobs: page, Total: total, Errors: parseErrors}, nil
}

// GetJob returns one job, loading the full output sequence when asked.
func (m *Manager) GetJob(id string, includeOutput bool) (*Detail, error) {
	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	detail := &Detail{Job: job}
	if includeOutput {
		output, err := m.store.ReadOutput(id)
		if err != nil {
			return nil, err
		}
		detail.Output = output
	}
	return detail, nil
}

// StreamJobOutput opens a live stream over a job's output: persisted
// messages replay immediately, new ones follow as they are written, and
// the stream ends once the job reaches a terminal status.
func (m *Manager) StreamJobOutput(id string) (*Stream, error) {
	return m.streamJobOutput(id, defaultStreamPoll)
}

func (m *Manager) streamJobOutput(id string, poll time.Duration) (*Stream, error) {
	if _, err := m.store.Load(id); err != nil {
		return nil, err
	}
	return newStream(m.store, id, poll, m.logger), nil
}

// ApplyRetention deletes the oldest finished jobs beyond the configured
// caps and returns how many were removed. Jobs still pending or running
// are never deleted. Individual delete failures are logged and do not
// abort the sweep.
func (m *Manager) ApplyRetention() (int, error) {
	all, _, err := m.store.List()
	if err != nil {
		return 0, fmt.Errorf("listing jobs for retention: %w", err)
	}

	deleted := 0
	remaining := make([]*Job, 0, len(all))

	// Per-agent cap: keep the newest maxJobsPerAgent of each agent.
	perAgent := make(map[string][]*Job)
	for _, job := range all {
		perAgent[job.AgentName] = append(perAgent[job.AgentName], job)
	}
	for _, list := range perAgent {
		sortNewestFirst(list)
		for i, job := range list {
			if i < m.retention.MaxJobsPerAgent || !job.Terminal() {
				remaining = append(remaining, job)
				continue
			}
			if m.delete(job) {
				deleted++
			} else {
				remaining = append(remaining, job)
			}
		}
	}

	// Fleet-wide cap: delete oldest across agents until under the limit.
	if m.retention.MaxTotalJobs > 0 && len(remaining) > m.retention.MaxTotalJobs {
		sortNewestFirst(remaining)
		excess := len(remaining) - m.retention.MaxTotalJobs
		for i := len(remaining) - 1; i >= 0 && excess > 0; i-- {
			job := remaining[i]
			if !job.Terminal() {
				continue
			}
			if m.delete(job) {
				deleted++
				excess--
			}
		}
	}

	if deleted > 0 {
		m.logger.Info("retention applied", "deleted", deleted,
			"max_per_agent", m.retention.MaxJobsPerAgent, "max_total", m.retention.MaxTotalJobs)
	}
	return deleted, nil
}

func (m *Manager) delete(job *Job) bool {
	if err := m.store.Delete(job.ID); err != nil {
		m.logger.Warn("retention failed to delete job", "id", job.ID, "error", err)
		return false
	}
	return true
}

// sortNewestFirst orders jobs by started_at descending, falling back to
// id for a stable order between same-instant jobs.
func sortNewestFirst(list []*Job) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.After(list[j].StartedAt)
		}
		return list[i].ID > list[j].ID
	})
}
