package agents

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/ontology"
)

// Phase is the progress of one rescue task.
type Phase int

const (
	PhaseBidding Phase = iota
	PhaseWaitingForRelay
	PhaseEnRoute
	PhaseBusy
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseBidding:
		return "bidding"
	case PhaseWaitingForRelay:
		return "waiting_for_relay"
	case PhaseEnRoute:
		return "en_route"
	case PhaseBusy:
		return "busy"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

type rescueTask struct {
	phase     Phase
	started   bool
	busyUntil int
}

// Rescue bids for zones with a detected survivor, waits for relay coverage,
// then services the zone for a random duration.
type Rescue struct {
	*Base
	serviceMin int
	serviceMax int

	tasks  map[string]*rescueTask
	order  []string
	closed map[string]Phase
}

func NewRescue(cfg Config, serviceMin, serviceMax int) *Rescue {
	if serviceMin < 0 {
		serviceMin = 0
	}
	if serviceMax < serviceMin {
		serviceMax = serviceMin
	}
	r := &Rescue{
		Base:       newBase(RoleRescue, cfg),
		serviceMin: serviceMin,
		serviceMax: serviceMax,
		tasks:      map[string]*rescueTask{},
		closed:     map[string]Phase{},
	}
	return r
}

// Spawn places the agent at zone without auditing a move.
func (r *Rescue) Spawn(zone string, tick int) { r.place(zone, tick) }

// Phase reports the task phase for zone. Released zones report PhaseDone.
func (r *Rescue) Phase(zone string) (Phase, bool) {
	if t, ok := r.tasks[zone]; ok {
		return t.phase, true
	}
	if p, ok := r.closed[zone]; ok {
		return p, true
	}
	return 0, false
}

// BidValue formats a bid as "<id>:<score>".
func BidValue(agentID string, score float64) string {
	return fmt.Sprintf("%s:%.2f", agentID, score)
}

// ParseBid splits a bid value. The score follows the last ':'.
func ParseBid(v string) (agentID string, score float64, ok bool) {
	i := strings.LastIndexByte(v, ':')
	if i <= 0 {
		return "", 0, false
	}
	score, err := strconv.ParseFloat(v[i+1:], 64)
	if err != nil {
		return "", 0, false
	}
	return v[:i], score, true
}

func (r *Rescue) score(zone string) float64 {
	d := r.grid.Manhattan(r.location, zone)
	if d < 0 {
		d = 0
	}
	return -float64(d) + r.rng.Float64()*1e-3
}

func (r *Rescue) Tick(ctx context.Context, roster []Agent, tick int) error {
	ok, err := r.ready(ctx, tick)
	if !ok || err != nil {
		return err
	}

	state := r.mem.AllState()
	for _, zone := range detectedZones(state) {
		if _, rescued := state[ontology.Key(ontology.PrefixRescue, zone)]; rescued {
			continue
		}
		if _, tracked := r.tasks[zone]; tracked {
			continue
		}
		if _, done := r.closed[zone]; done {
			continue
		}
		bid := BidValue(r.id, r.score(zone))
		if r.publish(roster, ontology.Key(ontology.PrefixBid, zone), bid, tick) {
			r.tasks[zone] = &rescueTask{phase: PhaseBidding}
			r.order = append(r.order, zone)
		}
	}

	for _, zone := range append([]string(nil), r.order...) {
		r.advance(roster, zone, tick)
	}
	return nil
}

func (r *Rescue) advance(roster []Agent, zone string, tick int) {
	task := r.tasks[zone]
	if !r.winning(zone) {
		return
	}

	relayKey := ontology.Key(ontology.PrefixRelay, zone)
	relay, ok := r.mem.Get(relayKey)
	if relay != ontology.ValueActive {
		if !ok {
			relay = "none"
		}
		task.phase = PhaseWaitingForRelay
		r.note(tick, audit.EventWait, relayKey, relay)
		return
	}

	if r.location != zone {
		task.phase = PhaseEnRoute
		r.moveTo(zone, tick)
	}

	rescueKey := ontology.Key(ontology.PrefixRescue, zone)
	if !task.started {
		d := r.serviceMin + r.rng.IntN(r.serviceMax-r.serviceMin+1)
		task.started = true
		task.busyUntil = tick + d
		task.phase = PhaseBusy
		r.note(tick, audit.EventStartRescue, rescueKey, "T="+strconv.Itoa(d))
		return
	}
	if tick < task.busyUntil {
		return
	}

	if _, taken := r.mem.Get(rescueKey); taken {
		r.release(zone)
		return
	}
	by := ontology.RescuedBy(r.id)
	if !r.publish(roster, rescueKey, by, tick) {
		return
	}
	r.note(tick, audit.EventRescue, rescueKey, by)

	statusKey := ontology.Key(ontology.PrefixZoneStatus, zone)
	if r.publish(roster, statusKey, ontology.ValueUnsearched, tick) {
		r.note(tick, audit.EventZoneReset, statusKey, ontology.ValueUnsearched)
	}
	r.release(zone)
}

// winning reports whether this agent holds the best visible bid for zone:
// the highest score, ties going to the lexicographically smallest id. Each
// bidder counts with the latest bid this agent has accepted from it.
func (r *Rescue) winning(zone string) bool {
	latest := map[string]float64{}
	for _, u := range r.mem.HistoryFor(ontology.Key(ontology.PrefixBid, zone)) {
		if id, score, ok := ParseBid(u.Value); ok {
			latest[id] = score
		}
	}
	if _, ok := latest[r.id]; !ok {
		return false
	}
	best, bestScore := "", 0.0
	for id, score := range latest {
		if best == "" || score > bestScore || (score == bestScore && id < best) {
			best, bestScore = id, score
		}
	}
	return best == r.id
}

func (r *Rescue) release(zone string) {
	delete(r.tasks, zone)
	r.closed[zone] = PhaseDone
	for i, z := range r.order {
		if z == zone {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
