package consistency

import (
	"math"
	"sort"

	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/ontology"
)

type KeyViolation struct {
	Agent string `json:"agent,omitempty"`
	Tick  int    `json:"tick"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type CheckReport struct {
	Checked    int            `json:"checked"`
	Violations []KeyViolation `json:"violations,omitempty"`
}

func (r CheckReport) OK() bool { return len(r.Violations) == 0 }

// CheckCoherence verifies that every key in every global projection has a
// prefix the schema knows.
func CheckCoherence(global Trace, schema *ontology.Schema) CheckReport {
	if schema == nil {
		schema = ontology.Default()
	}
	var rep CheckReport
	for _, id := range sortedIDs(global) {
		for t, state := range global[id] {
			for _, k := range sortedKeys(state) {
				rep.Checked++
				if !schema.IsValidKey(k) {
					rep.Violations = append(rep.Violations, KeyViolation{Agent: id, Tick: t, Key: k, Value: state[k]})
				}
			}
		}
	}
	return rep
}

// CheckIsolation verifies that every key entering an agent's local view lies
// in that agent's slice.
func CheckIsolation(local Trace, access map[string][]string) CheckReport {
	var rep CheckReport
	for _, id := range sortedIDs(local) {
		allowed := map[string]bool{}
		for _, p := range access[id] {
			allowed[p] = true
		}
		prev := map[string]string{}
		for t, state := range local[id] {
			for _, k := range sortedKeys(state) {
				if _, seen := prev[k]; seen {
					continue
				}
				rep.Checked++
				if !allowed[ontology.PrefixOf(k)] {
					rep.Violations = append(rep.Violations, KeyViolation{Agent: id, Tick: t, Key: k, Value: state[k]})
				}
			}
			prev = state
		}
	}
	return rep
}

type ProposalReport struct {
	Samples    int     `json:"samples"`
	Mismatches int     `json:"mismatches"`
	Score      float64 `json:"score"`
	// Empirical and Declared are outcome frequencies over every proposal.
	Empirical    map[string]float64 `json:"empirical"`
	Declared     map[string]float64 `json:"declared"`
	MaxDeviation float64            `json:"max_deviation"`
}

// CheckProposals aligns search proposals with the global trace. A proposal
// whose key ever reached its author's projection must show the chosen value
// in the projection recorded at the proposal's tick. ticks maps snapshot
// index to tick label.
func CheckProposals(proposals map[string][]agents.Proposal, global Trace, ticks []int) ProposalReport {
	rep := ProposalReport{Empirical: map[string]float64{}, Declared: map[string]float64{}}
	index := make(map[int]int, len(ticks))
	for i, t := range ticks {
		if _, ok := index[t]; !ok {
			index[t] = i
		}
	}

	total := 0
	declaredSum := map[string]float64{}
	for _, id := range sortedIDs(proposals) {
		trace := global[id]
		seen := map[string]bool{}
		for _, state := range trace {
			for k := range state {
				seen[k] = true
			}
		}
		for _, p := range proposals[id] {
			total++
			rep.Empirical[p.Chosen]++
			var wsum float64
			for _, o := range p.Distribution {
				wsum += o.Weight
			}
			for _, o := range p.Distribution {
				if wsum > 0 {
					declaredSum[o.Value] += o.Weight / wsum
				}
			}

			key := ontology.Key(ontology.PrefixSurvivor, p.Zone)
			if !seen[key] {
				continue
			}
			rep.Samples++
			i, ok := index[p.Tick]
			if !ok || i >= len(trace) || trace[i][key] != p.Chosen {
				rep.Mismatches++
			}
		}
	}
	if total > 0 {
		for v := range rep.Empirical {
			rep.Empirical[v] /= float64(total)
		}
		for v, s := range declaredSum {
			rep.Declared[v] = s / float64(total)
		}
	}
	for v, d := range rep.Declared {
		rep.MaxDeviation = math.Max(rep.MaxDeviation, math.Abs(rep.Empirical[v]-d))
	}
	for v, e := range rep.Empirical {
		if _, ok := rep.Declared[v]; !ok {
			rep.MaxDeviation = math.Max(rep.MaxDeviation, e)
		}
	}
	rep.Score = score(rep.Samples, rep.Mismatches)
	return rep
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
