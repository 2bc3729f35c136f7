package config

import (
	"reflect"
	"sort"
)

// Change types and categories reported by Diff.
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"

	CategoryAgent    = "agent"
	CategorySchedule = "schedule"
)

// Change describes one difference between two resolved fleet
// configurations. For schedule changes, Agent names the owning agent and
// Name the schedule; for agent changes, Name is the agent and Agent is
// empty.
type Change struct {
	Type     string `yaml:"type" json:"type"`
	Category string `yaml:"category" json:"category"`
	Name     string `yaml:"name" json:"name"`
	Agent    string `yaml:"agent,omitempty" json:"agent,omitempty"`
}

// Diff compares two resolved configurations and reports added, removed and
// modified agents and schedules. Agent-level comparison excludes the
// schedule map (schedule changes are reported per schedule) and the config
// file paths, so moving a file without changing content is not a
// modification. Output order is deterministic: removed agents first, then
// added/modified agents with their schedule changes, each group sorted by
// name.
func Diff(old, next *Fleet) []Change {
	var changes []Change

	oldAgents := agentsByName(old)
	newAgents := agentsByName(next)

	for _, name := range sortedKeys(oldAgents) {
		if _, ok := newAgents[name]; !ok {
			changes = append(changes, Change{Type: ChangeRemoved, Category: CategoryAgent, Name: name})
		}
	}

	for _, name := range sortedKeys(newAgents) {
		oldAgent, existed := oldAgents[name]
		if !existed {
			changes = append(changes, Change{Type: ChangeAdded, Category: CategoryAgent, Name: name})
			continue
		}
		if !agentEqual(oldAgent, newAgents[name]) {
			changes = append(changes, Change{Type: ChangeModified, Category: CategoryAgent, Name: name})
		}
		changes = append(changes, diffSchedules(name, oldAgent.Schedules, newAgents[name].Schedules)...)
	}

	return changes
}

func diffSchedules(agentName string, old, next map[string]*Schedule) []Change {
	var changes []Change

	for _, name := range sortedScheduleNames(old) {
		if _, ok := next[name]; !ok {
			changes = append(changes, Change{Type: ChangeRemoved, Category: CategorySchedule, Name: name, Agent: agentName})
		}
	}
	for _, name := range sortedScheduleNames(next) {
		oldSched, existed := old[name]
		if !existed {
			changes = append(changes, Change{Type: ChangeAdded, Category: CategorySchedule, Name: name, Agent: agentName})
			continue
		}
		if !reflect.DeepEqual(oldSched, next[name]) {
			changes = append(changes, Change{Type: ChangeModified, Category: CategorySchedule, Name: name, Agent: agentName})
		}
	}

	return changes
}

// agentEqual compares resolved agent definitions minus schedules and file
// locations.
func agentEqual(a, b *Agent) bool {
	ac, bc := *a, *b
	ac.Schedules, bc.Schedules = nil, nil
	ac.ConfigPath, bc.ConfigPath = "", ""
	ac.ConfigDir, bc.ConfigDir = "", ""
	return reflect.DeepEqual(ac, bc)
}

func agentsByName(f *Fleet) map[string]*Agent {
	m := make(map[string]*Agent)
	if f == nil {
		return m
	}
	for _, a := range f.Agents {
		m[a.Name] = a
	}
	return m
}

func sortedKeys(m map[string]*Agent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedScheduleNames(m map[string]*Schedule) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
