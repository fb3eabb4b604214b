package runner

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"sarswarm.ai/internal/sim/ontology"
)

// SharedPrefixes are the prefixes distributed across rescue and relay agents
// in fan-out mode.
var SharedPrefixes = []string{
	ontology.PrefixSurvivor,
	ontology.PrefixZoneStatus,
	ontology.PrefixRelay,
	ontology.PrefixRescue,
	ontology.PrefixBid,
}

// CommonPrefixes are visible to every agent.
var CommonPrefixes = []string{ontology.PrefixZoneCoord, ontology.PrefixAgentPos}

type roleSlices struct {
	search []*ontology.Slice
	rescue []*ontology.Slice
	relay  []*ontology.Slice
}

func withCommon(prefixes ...string) []string {
	return append(append([]string(nil), prefixes...), CommonPrefixes...)
}

// buildSlices assigns slices per role. fanOut >= 1 gives every agent of a
// role the same slice; below that each shared prefix goes to
// max(1, round(fanOut*(rescue+relay))) random rescue/relay agents, and an
// agent left empty falls back to Survivor.
func buildSlices(schema *ontology.Schema, nSearch, nRescue, nRelay int, fanOut float64, rng *rand.Rand) roleSlices {
	var out roleSlices
	search := ontology.NewSlice(schema, withCommon(ontology.PrefixSurvivor, ontology.PrefixZoneStatus)...)
	for i := 0; i < nSearch; i++ {
		out.search = append(out.search, search)
	}

	if fanOut >= 1 {
		rescue := ontology.NewSlice(schema, withCommon(ontology.PrefixSurvivor, ontology.PrefixRescue, ontology.PrefixBid, ontology.PrefixRelay)...)
		relay := ontology.NewSlice(schema, withCommon(ontology.PrefixSurvivor, ontology.PrefixRescue, ontology.PrefixRelay)...)
		for i := 0; i < nRescue; i++ {
			out.rescue = append(out.rescue, rescue)
		}
		for i := 0; i < nRelay; i++ {
			out.relay = append(out.relay, relay)
		}
		return out
	}

	total := nRescue + nRelay
	allowed := make([]map[string]bool, total)
	for i := range allowed {
		allowed[i] = map[string]bool{}
	}
	if total > 0 {
		k := int(math.Round(fanOut * float64(total)))
		if k < 1 {
			k = 1
		}
		for _, p := range SharedPrefixes {
			for _, idx := range rng.Perm(total)[:k] {
				allowed[idx][p] = true
			}
		}
	}
	for i, set := range allowed {
		if len(set) == 0 {
			set[ontology.PrefixSurvivor] = true
		}
		prefixes := make([]string, 0, len(set))
		for p := range set {
			prefixes = append(prefixes, p)
		}
		sort.Strings(prefixes)
		sl := ontology.NewSlice(schema, withCommon(prefixes...)...)
		if i < nRescue {
			out.rescue = append(out.rescue, sl)
		} else {
			out.relay = append(out.relay, sl)
		}
	}
	return out
}

// splitZones shuffles zones and hands each searcher a contiguous block of
// ceil(len/n) zones. Trailing searchers may get fewer or none.
func splitZones(zones []string, n int, rng *rand.Rand) [][]string {
	if n <= 0 {
		return nil
	}
	shuffled := append([]string(nil), zones...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	per := (len(shuffled) + n - 1) / n
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		lo := i * per
		if lo >= len(shuffled) {
			break
		}
		hi := min(lo+per, len(shuffled))
		out[i] = shuffled[lo:hi]
	}
	return out
}

func agentID(role string, i int) string { return fmt.Sprintf("%s%d", role, i+1) }

// badPrefixes are prefixes no schema knows; injections use them to exercise
// rejection.
var badPrefixes = []string{"Forbidden", "Corrupted", "InvalidKey"}
