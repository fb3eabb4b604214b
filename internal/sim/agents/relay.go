package agents

import (
	"context"
	"sort"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/ontology"
)

// Relay covers zones with a detected survivor, preferring the zones the
// fewest other relays are claiming. It moves to at most one zone per tick.
type Relay struct {
	*Base
	claims  *ClaimLedger
	covered map[string]bool
}

func NewRelay(cfg Config, claims *ClaimLedger) *Relay {
	if claims == nil {
		claims = NewClaimLedger()
	}
	return &Relay{Base: newBase(RoleRelay, cfg), claims: claims, covered: map[string]bool{}}
}

// Spawn places the agent at zone without auditing a move.
func (r *Relay) Spawn(zone string, tick int) { r.place(zone, tick) }

func (r *Relay) Covered(zone string) bool { return r.covered[zone] }

func (r *Relay) Tick(ctx context.Context, roster []Agent, tick int) error {
	ok, err := r.ready(ctx, tick)
	if !ok || err != nil {
		return err
	}

	var candidates []string
	for _, zone := range detectedZones(r.mem.AllState()) {
		if !r.covered[zone] {
			candidates = append(candidates, zone)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	load := make(map[string]int, len(candidates))
	for _, z := range candidates {
		load[z] = r.claims.Others(z, r.id)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if load[candidates[i]] != load[candidates[j]] {
			return load[candidates[i]] < load[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	zone := candidates[0]
	r.claims.Claim(zone, r.id)
	defer r.claims.Release(zone, r.id)

	r.moveTo(zone, tick)
	key := ontology.Key(ontology.PrefixRelay, zone)
	if r.publish(roster, key, ontology.ValueActive, tick) {
		r.note(tick, audit.EventRelay, key, ontology.ValueActive)
		r.covered[zone] = true
	}
	return nil
}
