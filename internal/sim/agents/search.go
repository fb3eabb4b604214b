package agents

import (
	"context"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/ontology"
)

type Outcome struct {
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
}

// SurvivorDistribution is the categorical distribution searchers sample per
// visit.
var SurvivorDistribution = []Outcome{
	{Value: ontology.ValueDetected, Weight: 0.3},
	{Value: ontology.ValueNone, Weight: 0.7},
}

// Proposal records one sampling decision.
type Proposal struct {
	Tick         int       `json:"tick"`
	Agent        string    `json:"agent"`
	Zone         string    `json:"zone"`
	Distribution []Outcome `json:"distribution"`
	Chosen       string    `json:"chosen"`
}

// Search visits its assigned zones round-robin, one per active tick.
type Search struct {
	*Base
	zones     []string
	last      int
	proposals []Proposal
}

func NewSearch(cfg Config) *Search {
	return &Search{Base: newBase(RoleSearch, cfg), last: -1}
}

// AssignZones sets the visiting order and places the agent in the first
// zone.
func (s *Search) AssignZones(zones []string, tick int) {
	s.zones = append([]string(nil), zones...)
	s.last = -1
	if len(s.zones) > 0 {
		s.place(s.zones[0], tick)
	}
}

func (s *Search) Zones() []string { return append([]string(nil), s.zones...) }

func (s *Search) Proposals() []Proposal { return append([]Proposal(nil), s.proposals...) }

func (s *Search) Tick(ctx context.Context, roster []Agent, tick int) error {
	ok, err := s.ready(ctx, tick)
	if !ok || err != nil || len(s.zones) == 0 {
		return err
	}

	s.last = (s.last + 1) % len(s.zones)
	zone := s.zones[s.last]
	if s.location != zone {
		s.place(zone, tick)
	}

	chosen := s.sample()
	s.proposals = append(s.proposals, Proposal{
		Tick:         tick,
		Agent:        s.id,
		Zone:         zone,
		Distribution: SurvivorDistribution,
		Chosen:       chosen,
	})

	survivorKey := ontology.Key(ontology.PrefixSurvivor, zone)
	if s.publish(roster, survivorKey, chosen, tick) {
		s.note(tick, audit.EventFoundSurvivor, survivorKey, chosen)
	}
	statusKey := ontology.Key(ontology.PrefixZoneStatus, zone)
	if s.publish(roster, statusKey, ontology.ValueSearched, tick) {
		s.note(tick, audit.EventZoneStatus, statusKey, ontology.ValueSearched)
	}
	return nil
}

func (s *Search) sample() string {
	var total float64
	for _, o := range SurvivorDistribution {
		total += o.Weight
	}
	r := s.rng.Float64() * total
	for _, o := range SurvivorDistribution {
		if r < o.Weight {
			return o.Value
		}
		r -= o.Weight
	}
	return SurvivorDistribution[len(SurvivorDistribution)-1].Value
}
