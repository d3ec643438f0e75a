package scheduler

import (
	"errors"
	"sort"

	"github.com/ringforge/ringforge/internal/presence"
)

// ErrNoCapableAgent means the roster holds no eligible candidate for the
// task's capability set.
var ErrNoCapableAgent = errors.New("scheduler: no capable agent")

// busyLoadCeiling excludes busy agents already near saturation.
const busyLoadCeiling = 0.8

// localRegion disables the affinity penalty in single-region deployments.
const localRegion = "local"

// route picks the best roster entry for the task. Candidates must cover the
// task's capabilities and be online, or busy under the load ceiling. Ties
// break on state, then region affinity, then load.
func route(t *Task, roster []*presence.Entry, region string) (*presence.Entry, error) {
	type scored struct {
		entry    *presence.Entry
		state    int
		affinity float64
	}
	candidates := make([]scored, 0, len(roster))
	for _, e := range roster {
		if !covers(e.Capabilities, t.Capabilities) {
			continue
		}
		var statePriority int
		switch {
		case e.State == presence.StateOnline:
			statePriority = 0
		case e.State == presence.StateBusy && e.Load < busyLoadCeiling:
			statePriority = 1
		default:
			continue
		}
		candidates = append(candidates, scored{e, statePriority, regionAffinity(e, region)})
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapableAgent
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.state != b.state {
			return a.state < b.state
		}
		if a.affinity != b.affinity {
			return a.affinity < b.affinity
		}
		if a.entry.Load != b.entry.Load {
			return a.entry.Load < b.entry.Load
		}
		return a.entry.AgentID < b.entry.AgentID
	})
	return candidates[0].entry, nil
}

// covers reports whether have is a superset of need. An empty need matches
// any agent.
func covers(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range need {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// regionAffinity penalizes cross-region candidates. Agents advertise their
// region in presence metadata; the hub's own region comes from config, and
// the "local" dev region matches everything.
func regionAffinity(e *presence.Entry, region string) float64 {
	if region == "" || region == localRegion {
		return 0
	}
	if r, ok := e.Metadata["region"].(string); ok && r == region {
		return 0
	}
	return 0.5
}
