// Package consistency checks recorded traces: every agent's local view must
// track its projection of the global state within a bounded delay.
package consistency

import (
	"sort"

	"sarswarm.ai/internal/sim/ontology"
)

// Trace maps an agent id to one key/value snapshot per tick.
type Trace = map[string][]map[string]string

type Options struct {
	// MaxDelay is the largest global lag, in snapshots, tolerated.
	MaxDelay int
	// Horizon restricts checks to local snapshots with index < Horizon.
	// 0 checks all of them.
	Horizon int
}

type Violation struct {
	Agent string `json:"agent"`
	// Tick is the snapshot index.
	Tick int `json:"tick"`
	// Keys that disagreed with the closest candidate global snapshot.
	Keys []string `json:"keys,omitempty"`
}

type AgentScore struct {
	Observations int     `json:"observations"`
	Violations   int     `json:"violations"`
	Score        float64 `json:"score"`
}

type BisimReport struct {
	MaxDelay     int                   `json:"max_delay"`
	Observations int                   `json:"observations"`
	Violations   int                   `json:"violations"`
	Score        float64               `json:"score"`
	Agents       map[string]AgentScore `json:"agents"`
	Violating    []Violation           `json:"violating,omitempty"`
	// DelayHistogram counts matched observations by the smallest lag that
	// satisfied them.
	DelayHistogram map[int]int `json:"delay_histogram"`
}

// FirstViolation returns the earliest violation by (tick, agent).
func (r BisimReport) FirstViolation() (Violation, bool) {
	if len(r.Violating) == 0 {
		return Violation{}, false
	}
	first := r.Violating[0]
	for _, v := range r.Violating[1:] {
		if v.Tick < first.Tick || (v.Tick == first.Tick && v.Agent < first.Agent) {
			first = v
		}
	}
	return first, true
}

// DelayMass returns the fraction of matched observations whose lag is at
// most k.
func (r BisimReport) DelayMass(k int) float64 {
	total, within := 0, 0
	for dt, n := range r.DelayHistogram {
		total += n
		if dt <= k {
			within += n
		}
	}
	if total == 0 {
		return 1
	}
	return float64(within) / float64(total)
}

func restrict(state map[string]string, allowed map[string]bool) map[string]string {
	out := map[string]string{}
	for k, v := range state {
		if allowed[ontology.PrefixOf(k)] {
			out[k] = v
		}
	}
	return out
}

// containedIn reports the keys of local whose value differs in global.
// Keys absent from local are not checked.
func containedIn(local, global map[string]string) []string {
	var diff []string
	for k, v := range local {
		if gv, ok := global[k]; !ok || gv != v {
			diff = append(diff, k)
		}
	}
	return diff
}

// CheckBisimulation verifies, for every agent a and local snapshot t, that
// some dt in [0, MaxDelay] has local[a][t] contained in global[a][t+dt],
// both restricted to a's slice in access.
func CheckBisimulation(local, global Trace, access map[string][]string, opts Options) BisimReport {
	if opts.MaxDelay < 0 {
		opts.MaxDelay = 0
	}
	rep := BisimReport{
		MaxDelay:       opts.MaxDelay,
		Agents:         map[string]AgentScore{},
		DelayHistogram: map[int]int{},
	}

	ids := make([]string, 0, len(local))
	for id := range local {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		allowed := map[string]bool{}
		for _, p := range access[id] {
			allowed[p] = true
		}
		lt, gt := local[id], global[id]
		var as AgentScore
		for t, state := range lt {
			if opts.Horizon > 0 && t >= opts.Horizon {
				break
			}
			as.Observations++
			lp := restrict(state, allowed)

			matched := -1
			var closest []string
			for dt := 0; dt <= opts.MaxDelay && t+dt < len(gt); dt++ {
				diff := containedIn(lp, restrict(gt[t+dt], allowed))
				if len(diff) == 0 {
					matched = dt
					break
				}
				if closest == nil || len(diff) < len(closest) {
					closest = diff
				}
			}
			if matched >= 0 {
				rep.DelayHistogram[matched]++
				continue
			}
			as.Violations++
			sort.Strings(closest)
			rep.Violating = append(rep.Violating, Violation{Agent: id, Tick: t, Keys: closest})
		}
		as.Score = score(as.Observations, as.Violations)
		rep.Agents[id] = as
		rep.Observations += as.Observations
		rep.Violations += as.Violations
	}
	rep.Score = score(rep.Observations, rep.Violations)
	return rep
}

func score(observations, violations int) float64 {
	if observations == 0 {
		return 1
	}
	return 1 - float64(violations)/float64(observations)
}
