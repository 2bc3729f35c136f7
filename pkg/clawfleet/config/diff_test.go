package config

import (
	"reflect"
	"testing"
)

func fleetWith(agents ...*Agent) *Fleet {
	return &Fleet{Version: 1, Agents: agents}
}

func namedAgent(name string) *Agent {
	return &Agent{Name: name, Model: "claude-sonnet", MaxConcurrent: 1, Runtime: "sdk"}
}

func TestDiffAgents(t *testing.T) {
	tests := []struct {
		name string
		old  *Fleet
		next *Fleet
		want []Change
	}{
		{
			name: "no changes",
			old:  fleetWith(namedAgent("a")),
			next: fleetWith(namedAgent("a")),
			want: nil,
		},
		{
			name: "agent added",
			old:  fleetWith(namedAgent("agent-1")),
			next: fleetWith(namedAgent("agent-1"), namedAgent("agent-2")),
			want: []Change{{Type: ChangeAdded, Category: CategoryAgent, Name: "agent-2"}},
		},
		{
			name: "agent removed",
			old:  fleetWith(namedAgent("agent-1"), namedAgent("agent-2")),
			next: fleetWith(namedAgent("agent-1")),
			want: []Change{{Type: ChangeRemoved, Category: CategoryAgent, Name: "agent-2"}},
		},
		{
			name: "agent modified",
			old:  fleetWith(namedAgent("a")),
			next: fleetWith(func() *Agent {
				a := namedAgent("a")
				a.Model = "claude-opus"
				return a
			}()),
			want: []Change{{Type: ChangeModified, Category: CategoryAgent, Name: "a"}},
		},
		{
			name: "removed before added, sorted",
			old:  fleetWith(namedAgent("zeta")),
			next: fleetWith(namedAgent("alpha"), namedAgent("beta")),
			want: []Change{
				{Type: ChangeRemoved, Category: CategoryAgent, Name: "zeta"},
				{Type: ChangeAdded, Category: CategoryAgent, Name: "alpha"},
				{Type: ChangeAdded, Category: CategoryAgent, Name: "beta"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.next)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Diff = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDiffSchedules(t *testing.T) {
	withSched := func(name string, scheds map[string]*Schedule) *Agent {
		a := namedAgent(name)
		a.Schedules = scheds
		return a
	}

	old := fleetWith(withSched("a", map[string]*Schedule{
		"hourly": {Name: "hourly", Type: ScheduleTypeInterval, Interval: "1h"},
		"legacy": {Name: "legacy", Type: ScheduleTypeInterval, Interval: "1d"},
	}))
	next := fleetWith(withSched("a", map[string]*Schedule{
		"hourly":  {Name: "hourly", Type: ScheduleTypeInterval, Interval: "30m"},
		"nightly": {Name: "nightly", Type: ScheduleTypeCron, Cron: "0 3 * * *"},
	}))

	got := Diff(old, next)
	want := []Change{
		{Type: ChangeRemoved, Category: CategorySchedule, Name: "legacy", Agent: "a"},
		{Type: ChangeModified, Category: CategorySchedule, Name: "hourly", Agent: "a"},
		{Type: ChangeAdded, Category: CategorySchedule, Name: "nightly", Agent: "a"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Diff = %+v, want %+v", got, want)
	}
}

func TestDiffScheduleChangeDoesNotMarkAgentModified(t *testing.T) {
	withSched := func(interval string) *Fleet {
		a := namedAgent("a")
		a.Schedules = map[string]*Schedule{
			"tick": {Name: "tick", Type: ScheduleTypeInterval, Interval: interval},
		}
		return fleetWith(a)
	}

	got := Diff(withSched("1h"), withSched("2h"))
	for _, c := range got {
		if c.Category == CategoryAgent {
			t.Errorf("schedule-only edit produced agent change: %+v", c)
		}
	}
}

func TestDiffIgnoresConfigPathMoves(t *testing.T) {
	oldAgent := namedAgent("a")
	oldAgent.ConfigPath = "/old/agents/a.yaml"
	oldAgent.ConfigDir = "/old/agents"
	newAgent := namedAgent("a")
	newAgent.ConfigPath = "/new/agents/a.yaml"
	newAgent.ConfigDir = "/new/agents"

	if got := Diff(fleetWith(oldAgent), fleetWith(newAgent)); len(got) != 0 {
		t.Errorf("path-only move produced changes: %+v", got)
	}
}
