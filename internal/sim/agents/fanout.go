package agents

import (
	"sort"
	"sync"
)

// FanoutIndex maps each prefix to the agents whose slice contains it. It is
// built once every agent exists and is read-only afterwards.
type FanoutIndex struct {
	byPrefix map[string][]Agent
}

func BuildFanoutIndex(roster []Agent) *FanoutIndex {
	idx := &FanoutIndex{byPrefix: map[string][]Agent{}}
	for _, a := range roster {
		for _, p := range a.Slice().Prefixes() {
			idx.byPrefix[p] = append(idx.byPrefix[p], a)
		}
	}
	return idx
}

// Subscribers returns the agents subscribed to prefix. ok is false when no
// agent holds the prefix, in which case callers fall back to a roster scan.
func (f *FanoutIndex) Subscribers(prefix string) ([]Agent, bool) {
	subs, ok := f.byPrefix[prefix]
	return subs, ok
}

func (f *FanoutIndex) Prefixes() []string {
	out := make([]string, 0, len(f.byPrefix))
	for p := range f.byPrefix {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of subscribers per prefix.
func (f *FanoutIndex) Counts() map[string]int {
	out := make(map[string]int, len(f.byPrefix))
	for p, subs := range f.byPrefix {
		out[p] = len(subs)
	}
	return out
}

// ClaimLedger holds the zone claims relays make while choosing a zone. It
// is the only place a relay can see another relay's claims. A claim is
// transient: Relay.Tick takes it after ranking and releases it with a defer
// before that same Tick returns, so no claim survives the tick barrier and a
// relay only ever observes claims of relays stepping in the same tick. It
// carries no facts; state still moves only through the memory stores and
// broadcast.
type ClaimLedger struct {
	mu     sync.Mutex
	claims map[string]map[string]struct{}
}

func NewClaimLedger() *ClaimLedger {
	return &ClaimLedger{claims: map[string]map[string]struct{}{}}
}

func (l *ClaimLedger) Claim(zone, agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.claims[zone]
	if set == nil {
		set = map[string]struct{}{}
		l.claims[zone] = set
	}
	set[agentID] = struct{}{}
}

func (l *ClaimLedger) Release(zone, agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.claims[zone]
	delete(set, agentID)
	if len(set) == 0 {
		delete(l.claims, zone)
	}
}

// Others counts claims on zone held by agents other than agentID.
func (l *ClaimLedger) Others(zone, agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.claims[zone]
	n := len(set)
	if _, ok := set[agentID]; ok {
		n--
	}
	return n
}

// Held returns the number of zones with at least one outstanding claim.
func (l *ClaimLedger) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}
