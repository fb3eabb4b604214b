package runner

import (
	"maps"

	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/ontology"
)

// TickSummary is the per-tick digest streamed to observers and indexed.
type TickSummary struct {
	Tick     int  `json:"tick"`
	Flush    bool `json:"flush,omitempty"`
	Injected bool `json:"injected,omitempty"`
	Agents   int  `json:"agents"`
	Disabled int  `json:"disabled"`
	Keys     int  `json:"keys"`
	Detected int  `json:"detected"`
	Relayed  int  `json:"relayed"`
	Rescued  int  `json:"rescued"`
}

// Result is everything the analysis layer needs from a run. Local and
// Global hold one entry per snapshot, aligned with Ticks.
type Result struct {
	Ticks []int
	// FlushFrom is the index in Ticks of the first flush snapshot.
	FlushFrom int

	Local     map[string][]map[string]string
	Global    map[string][]map[string]string
	Canonical map[string]string
	Access    map[string][]string

	Proposals  map[string][]agents.Proposal
	Injections []Injection
	Disabled   map[string]int
}

func (r *Runner) result() *Result {
	slices := make(map[string]*ontology.Slice, len(r.roster))
	for _, a := range r.roster {
		slices[a.ID()] = a.Slice()
	}
	local := make(map[string][]map[string]string, len(r.local))
	for id, h := range r.local {
		local[id] = append([]map[string]string(nil), h...)
	}
	proposals := make(map[string][]agents.Proposal, len(r.searchers))
	for _, s := range r.searchers {
		proposals[s.ID()] = s.Proposals()
	}
	return &Result{
		Ticks:      append([]int(nil), r.ticks...),
		FlushFrom:  r.cfg.Ticks,
		Local:      local,
		Global:     r.global.Histories(),
		Canonical:  r.global.Canonical(),
		Access:     ontology.AccessMap(slices),
		Proposals:  proposals,
		Injections: append([]Injection(nil), r.injections...),
		Disabled:   maps.Clone(r.disabled),
	}
}

// Mismatches lists, for the last snapshot, the keys where agentID's local
// view disagrees with its global projection as {local, global}. A side that
// lacks the key reports "".
func (res *Result) Mismatches(agentID string) map[string][2]string {
	out := map[string][2]string{}
	lh, gh := res.Local[agentID], res.Global[agentID]
	if len(lh) == 0 || len(gh) == 0 {
		return out
	}
	local, global := lh[len(lh)-1], gh[len(gh)-1]
	for k, gv := range global {
		if lv := local[k]; lv != gv {
			out[k] = [2]string{lv, gv}
		}
	}
	for k, lv := range local {
		if _, ok := global[k]; !ok {
			out[k] = [2]string{lv, ""}
		}
	}
	return out
}
