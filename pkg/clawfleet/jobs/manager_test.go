package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleeterr"
)

func newTestManager(t *testing.T, retention config.RetentionConfig) *Manager {
	t.Helper()
	return NewManager(newTestStore(t), retention, testLogger())
}

func TestGetJobsFiltersAndPaging(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Six jobs, alternating agents, one minute apart.
	var ids []string
	for i := 0; i < 6; i++ {
		agent := "agent-1"
		if i%2 == 1 {
			agent = "agent-2"
		}
		status := StatusCompleted
		if i == 5 {
			status = StatusRunning
		}
		job := createJob(t, m.Store(), agent, base.Add(time.Duration(i)*time.Minute), status)
		ids = append(ids, job.ID)
	}

	t.Run("no filter sorts newest first", func(t *testing.T) {
		res, err := m.GetJobs(Query{})
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if res.Total != 6 || len(res.Jobs) != 6 {
			t.Fatalf("total=%d len=%d, want 6/6", res.Total, len(res.Jobs))
		}
		for i := 1; i < len(res.Jobs); i++ {
			if res.Jobs[i].StartedAt.After(res.Jobs[i-1].StartedAt) {
				t.Fatalf("jobs not sorted newest first at index %d", i)
			}
		}
		if res.Jobs[0].ID != ids[5] {
			t.Errorf("newest job = %s, want %s", res.Jobs[0].ID, ids[5])
		}
	})

	t.Run("agent filter", func(t *testing.T) {
		res, err := m.GetJobs(Query{Agent: "agent-2"})
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if res.Total != 3 {
			t.Fatalf("total = %d, want 3", res.Total)
		}
		for _, job := range res.Jobs {
			if job.AgentName != "agent-2" {
				t.Errorf("job %s has agent %q", job.ID, job.AgentName)
			}
		}
	})

	t.Run("status filter", func(t *testing.T) {
		res, err := m.GetJobs(Query{Status: StatusRunning})
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if res.Total != 1 || res.Jobs[0].ID != ids[5] {
			t.Fatalf("running filter matched %d, want the single running job", res.Total)
		}
	})

	t.Run("time window", func(t *testing.T) {
		res, err := m.GetJobs(Query{
			StartedAfter:  base.Add(1 * time.Minute),
			StartedBefore: base.Add(3 * time.Minute),
		})
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if res.Total != 3 {
			t.Fatalf("window matched %d, want 3", res.Total)
		}
	})

	t.Run("paging keeps total", func(t *testing.T) {
		res, err := m.GetJobs(Query{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if res.Total != 6 {
			t.Errorf("total = %d, want 6 (pre-paging count)", res.Total)
		}
		if len(res.Jobs) != 2 {
			t.Errorf("page size = %d, want 2", len(res.Jobs))
		}
		if res.Jobs[0].ID != ids[4] {
			t.Errorf("page starts at %s, want %s", res.Jobs[0].ID, ids[4])
		}
	})

	t.Run("offset beyond end", func(t *testing.T) {
		res, err := m.GetJobs(Query{Offset: 100})
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if res.Total != 6 || len(res.Jobs) != 0 {
			t.Errorf("total=%d len=%d, want 6/0", res.Total, len(res.Jobs))
		}
	})
}

func TestGetJobsCountsParseErrors(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{})
	createJob(t, m.Store(), "agent-1", time.Now().UTC(), StatusCompleted)

	bad := filepath.Join(m.Store().Dir(), "job-2026-01-01-badbad.yaml")
	if err := os.WriteFile(bad, []byte("status: [unclosed"), 0o644); err != nil {
		t.Fatalf("write corrupt metadata: %v", err)
	}

	res, err := m.GetJobs(Query{})
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if res.Total != 1 || res.Errors != 1 {
		t.Errorf("total=%d errors=%d, want 1/1", res.Total, res.Errors)
	}
}

func TestGetJobIncludeOutput(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{})
	job := createJob(t, m.Store(), "agent-1", time.Now().UTC(), StatusCompleted)
	if err := m.Store().AppendOutput(job.ID, []byte(`{"type":"assistant","message":{"content":"hi"}}`)); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}

	withOut, err := m.GetJob(job.ID, true)
	if err != nil {
		t.Fatalf("GetJob with output: %v", err)
	}
	if withOut.Job.ID != job.ID || len(withOut.Output) != 1 {
		t.Errorf("got %d output messages, want 1", len(withOut.Output))
	}

	withoutOut, err := m.GetJob(job.ID, false)
	if err != nil {
		t.Fatalf("GetJob without output: %v", err)
	}
	if withoutOut.Output != nil {
		t.Errorf("output loaded without being requested")
	}

	var notFound *fleeterr.JobNotFoundError
	if _, err := m.GetJob("job-2026-01-01-zzzzzz", false); !errors.As(err, &notFound) {
		t.Errorf("GetJob on missing id = %v, want JobNotFoundError", err)
	}
}

func TestApplyRetentionPerAgentCap(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{MaxJobsPerAgent: 2})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := createJob(t, m.Store(), "agent-1", base, StatusCompleted)
	b := createJob(t, m.Store(), "agent-1", base.Add(time.Minute), StatusCompleted)
	c := createJob(t, m.Store(), "agent-1", base.Add(2*time.Minute), StatusCompleted)
	for _, job := range []*Job{a, b, c} {
		if err := m.Store().AppendOutput(job.ID, []byte(`{"type":"result"}`)); err != nil {
			t.Fatalf("AppendOutput: %v", err)
		}
	}

	deleted, err := m.ApplyRetention()
	if err != nil {
		t.Fatalf("ApplyRetention: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d jobs, want 1", deleted)
	}

	// The oldest job is gone, both files.
	for _, ext := range []string{".yaml", ".jsonl"} {
		if _, err := os.Stat(filepath.Join(m.Store().Dir(), a.ID+ext)); !os.IsNotExist(err) {
			t.Errorf("oldest job file %s%s survived retention", a.ID, ext)
		}
	}
	for _, keep := range []*Job{b, c} {
		if _, err := m.Store().Load(keep.ID); err != nil {
			t.Errorf("job %s should have survived: %v", keep.ID, err)
		}
	}
}

func TestApplyRetentionFleetCap(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{MaxJobsPerAgent: 10, MaxTotalJobs: 3})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var all []*Job
	for i := 0; i < 5; i++ {
		agent := "agent-1"
		if i >= 3 {
			agent = "agent-2"
		}
		all = append(all, createJob(t, m.Store(), agent, base.Add(time.Duration(i)*time.Minute), StatusCompleted))
	}

	deleted, err := m.ApplyRetention()
	if err != nil {
		t.Fatalf("ApplyRetention: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d jobs, want 2", deleted)
	}

	// The two oldest across agents are gone.
	for _, gone := range all[:2] {
		var notFound *fleeterr.JobNotFoundError
		if _, err := m.Store().Load(gone.ID); !errors.As(err, &notFound) {
			t.Errorf("job %s should have been deleted", gone.ID)
		}
	}
	for _, keep := range all[2:] {
		if _, err := m.Store().Load(keep.ID); err != nil {
			t.Errorf("job %s should have survived: %v", keep.ID, err)
		}
	}
}

func TestApplyRetentionSparesRunningJobs(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{MaxJobsPerAgent: 1})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	running := createJob(t, m.Store(), "agent-1", base, StatusRunning)
	newest := createJob(t, m.Store(), "agent-1", base.Add(time.Minute), StatusCompleted)

	deleted, err := m.ApplyRetention()
	if err != nil {
		t.Fatalf("ApplyRetention: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted %d jobs, want 0 (running jobs are spared)", deleted)
	}
	for _, keep := range []*Job{running, newest} {
		if _, err := m.Store().Load(keep.ID); err != nil {
			t.Errorf("job %s should have survived: %v", keep.ID, err)
		}
	}
}

func TestApplyRetentionDefaults(t *testing.T) {
	m := newTestManager(t, config.RetentionConfig{})
	if m.retention.MaxJobsPerAgent != 100 {
		t.Errorf("per-agent default = %d, want 100", m.retention.MaxJobsPerAgent)
	}
	if m.retention.MaxTotalJobs != 0 {
		t.Errorf("fleet default = %d, want 0 (unlimited)", m.retention.MaxTotalJobs)
	}
}
