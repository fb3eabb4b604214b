// Package convergence estimates gossip convergence parameters from the audit
// stream and compares the empirical delay tail with a geometric bound.
package convergence

import (
	"math"
	"sort"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/ontology"
)

// DefaultDeliverable lists the prefixes whose commits are expected to spread.
var DefaultDeliverable = []string{
	ontology.PrefixSurvivor,
	ontology.PrefixZoneStatus,
	ontology.PrefixRelay,
	ontology.PrefixRescue,
	ontology.PrefixBid,
}

type Options struct {
	DeliverablePrefixes []string
	// MaxK caps the survival curve. 0 uses the largest observed delay.
	MaxK int
}

type Point struct {
	K        int     `json:"k"`
	Survival float64 `json:"survival"`
	Bound    float64 `json:"bound"`
}

type Report struct {
	Commits            int `json:"commits"`
	DeliverableCommits int `json:"deliverable_commits"`
	Receives           int `json:"receives"`
	Candidates         int `json:"candidates"`

	Rho    float64 `json:"rho"`
	Eta    float64 `json:"eta"`
	Lambda float64 `json:"lambda"`
	P      float64 `json:"p"`

	Delays    []int       `json:"-"`
	Histogram map[int]int `json:"histogram"`
	MeanDelay float64     `json:"mean_delay"`
	MaxDelay  int         `json:"max_delay"`
	Survival  []Point     `json:"survival"`

	// AgentConvergence is the tick by which each agent held every deliverable
	// fact in its slice, or -1.
	AgentConvergence map[string]int `json:"agent_convergence"`
}

// BoundHolds reports whether S(k) <= (1-p)^k + tol for every k.
func (r Report) BoundHolds(tol float64) bool {
	for _, pt := range r.Survival {
		if pt.Survival > pt.Bound+tol {
			return false
		}
	}
	return true
}

type commit struct {
	kv     string
	tick   int
	author string
	prefix string
}

type agentKV struct {
	agent string
	kv    string
}

type kvTick struct {
	kv   string
	tick int
}

func kvOf(r audit.Record) string { return r.Key + "=" + r.Value }

// Estimate derives rho, eta, lambda and first-arrival delays from records.
// access is the agent -> prefixes map used to decide who is eligible for a
// commit.
func Estimate(records []audit.Record, access map[string][]string, opts Options) Report {
	deliverable := opts.DeliverablePrefixes
	if len(deliverable) == 0 {
		deliverable = DefaultDeliverable
	}
	isDeliverable := map[string]bool{}
	for _, p := range deliverable {
		isDeliverable[p] = true
	}
	scopes := make(map[string]map[string]bool, len(access))
	for id, prefixes := range access {
		set := make(map[string]bool, len(prefixes))
		for _, p := range prefixes {
			set[p] = true
		}
		scopes[id] = set
	}
	agentIDs := make([]string, 0, len(access))
	for id := range access {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	rep := Report{Histogram: map[int]int{}, AgentConvergence: map[string]int{}}
	if len(records) == 0 {
		for _, id := range agentIDs {
			rep.AgentConvergence[id] = 0
		}
		rep.Survival = []Point{{K: 0, Survival: 0, Bound: 1}}
		return rep
	}

	minTick, maxTick := records[0].Tick, records[0].Tick
	var commits []commit
	hits := map[kvTick]map[string]bool{}
	arrivals := map[agentKV][]int{}
	for _, r := range records {
		minTick = min(minTick, r.Tick)
		maxTick = max(maxTick, r.Tick)
		switch r.Event {
		case audit.EventMemoryUpdate:
			if r.Validated != audit.ValidatedTrue {
				continue
			}
			rep.Commits++
			prefix := ontology.PrefixOf(r.Key)
			if !isDeliverable[prefix] {
				continue
			}
			commits = append(commits, commit{kv: kvOf(r), tick: r.Tick, author: r.Agent, prefix: prefix})
			ak := agentKV{r.Agent, kvOf(r)}
			arrivals[ak] = append(arrivals[ak], r.Tick)
		case audit.EventCandidate:
			if r.InScope {
				rep.Candidates++
			}
		case audit.EventReceive:
			rep.Receives++
			if r.Validated != audit.ValidatedTrue {
				continue
			}
			kt := kvTick{kvOf(r), r.Tick}
			if hits[kt] == nil {
				hits[kt] = map[string]bool{}
			}
			hits[kt][r.Agent] = true
			ak := agentKV{r.Agent, kvOf(r)}
			arrivals[ak] = append(arrivals[ak], r.Tick)
		}
	}
	for _, ticks := range arrivals {
		sort.Ints(ticks)
	}
	rep.DeliverableCommits = len(commits)

	if rep.Candidates > 0 {
		rep.Rho = float64(rep.Receives) / float64(rep.Candidates)
	}

	var etaSum float64
	etaN := 0
	commitTicks := map[int]bool{}
	for _, c := range commits {
		commitTicks[c.tick] = true
		eligible := 0
		for _, id := range agentIDs {
			if id != c.author && scopes[id][c.prefix] {
				eligible++
			}
		}
		if eligible == 0 {
			continue
		}
		got := 0
		for id := range hits[kvTick{c.kv, c.tick}] {
			if id != c.author {
				got++
			}
		}
		etaSum += float64(got) / float64(eligible)
		etaN++
	}
	if etaN > 0 {
		rep.Eta = etaSum / float64(etaN)
	}
	rep.Lambda = float64(len(commitTicks)) / float64(maxTick-minTick+1)
	rep.P = rep.Rho * rep.Eta * rep.Lambda

	for _, c := range commits {
		for _, id := range agentIDs {
			if id == c.author || !scopes[id][c.prefix] {
				continue
			}
			if t, ok := firstAtOrAfter(arrivals[agentKV{id, c.kv}], c.tick); ok {
				d := t - c.tick
				rep.Delays = append(rep.Delays, d)
				rep.Histogram[d]++
			}
		}
	}
	sum := 0
	for _, d := range rep.Delays {
		sum += d
		rep.MaxDelay = max(rep.MaxDelay, d)
	}
	if len(rep.Delays) > 0 {
		rep.MeanDelay = float64(sum) / float64(len(rep.Delays))
	}

	kmax := rep.MaxDelay
	if opts.MaxK > 0 {
		kmax = opts.MaxK
	}
	rep.Survival = survival(rep.Delays, rep.P, kmax)
	rep.AgentConvergence = agentConvergence(commits, arrivals, agentIDs, scopes)
	return rep
}

func firstAtOrAfter(sorted []int, tick int) (int, bool) {
	i := sort.SearchInts(sorted, tick)
	if i == len(sorted) {
		return 0, false
	}
	return sorted[i], true
}

func survival(delays []int, p float64, kmax int) []Point {
	out := make([]Point, 0, kmax+1)
	for k := 0; k <= kmax; k++ {
		pt := Point{K: k, Bound: math.Pow(1-p, float64(k))}
		if len(delays) > 0 {
			n := 0
			for _, d := range delays {
				if d > k {
					n++
				}
			}
			pt.Survival = float64(n) / float64(len(delays))
		}
		out = append(out, pt)
	}
	return out
}

// agentConvergence finds, per agent, the tick by which it held every
// deliverable fact in its slice. A fact counts from its first commit; an
// agent holds it once it committed or accepted the same key=value at or
// after that tick.
func agentConvergence(commits []commit, arrivals map[agentKV][]int, ids []string, scopes map[string]map[string]bool) map[string]int {
	first := map[string]commit{}
	for _, c := range commits {
		if f, ok := first[c.kv]; !ok || c.tick < f.tick {
			first[c.kv] = c
		}
	}
	kvs := make([]string, 0, len(first))
	for kv := range first {
		kvs = append(kvs, kv)
	}
	sort.Strings(kvs)

	out := make(map[string]int, len(ids))
	for _, id := range ids {
		at := 0
		for _, kv := range kvs {
			c := first[kv]
			if !scopes[id][c.prefix] {
				continue
			}
			t, ok := firstAtOrAfter(arrivals[agentKV{id, kv}], c.tick)
			if !ok {
				at = -1
				break
			}
			at = max(at, t)
		}
		out[id] = at
	}
	return out
}
