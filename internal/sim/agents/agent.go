package agents

import (
	"context"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync/atomic"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/logic/mathx"
	"sarswarm.ai/internal/sim/memory"
	"sarswarm.ai/internal/sim/ontology"
	"sarswarm.ai/internal/sim/world"
)

type Role string

const (
	RoleSearch Role = "search"
	RoleRescue Role = "rescue"
	RoleRelay  Role = "relay"
)

// Message is one gossip delivery. It lives only for the duration of Receive.
type Message struct {
	Key    string
	Value  string
	Tick   int
	Sender string
}

type Agent interface {
	ID() string
	Role() Role
	Slice() *ontology.Slice
	Memory() *memory.LocalStore
	Location() string

	// Tick runs one step. It is called once per round for every agent,
	// concurrently with the other agents' steps.
	Tick(ctx context.Context, roster []Agent, tick int) error
	Receive(msg Message)

	Disable(tick int)
	Disabled() bool
}

type Config struct {
	ID       string
	Slice    *ontology.Slice
	Grid     *world.Grid
	Global   *memory.GlobalStore
	Sink     audit.Sink
	CommProb float64
	TickRate int
	Rand     *rand.Rand
}

// Base carries what every role shares: identity, the exclusive LocalStore,
// the shared GlobalStore and the broadcast path.
type Base struct {
	id       string
	role     Role
	slice    *ontology.Slice
	mem      *memory.LocalStore
	global   *memory.GlobalStore
	grid     *world.Grid
	sink     audit.Sink
	fanout   *FanoutIndex
	commProb float64
	tickRate int
	rng      *rand.Rand

	location string

	// -1 while enabled.
	disabledAt atomic.Int64
}

func newBase(role Role, cfg Config) *Base {
	if cfg.Slice == nil {
		cfg.Slice = ontology.NewSlice(nil)
	}
	if cfg.Grid == nil {
		cfg.Grid = world.NewGrid(1, 1)
	}
	if cfg.Global == nil {
		cfg.Global = memory.NewGlobalStore()
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = mathx.NewRand(0, cfg.ID)
	}
	b := &Base{
		id:       cfg.ID,
		role:     role,
		slice:    cfg.Slice,
		mem:      memory.NewLocalStore(cfg.ID, cfg.Slice, cfg.Sink),
		global:   cfg.Global,
		grid:     cfg.Grid,
		sink:     cfg.Sink,
		commProb: cfg.CommProb,
		tickRate: cfg.TickRate,
		rng:      cfg.Rand,
	}
	b.disabledAt.Store(-1)
	return b
}

func (b *Base) ID() string                 { return b.id }
func (b *Base) Role() Role                 { return b.role }
func (b *Base) Slice() *ontology.Slice     { return b.slice }
func (b *Base) Memory() *memory.LocalStore { return b.mem }
func (b *Base) Location() string           { return b.location }

// UseFanout installs the shared prefix index. Without one, Broadcast scans
// the roster.
func (b *Base) UseFanout(idx *FanoutIndex) { b.fanout = idx }

// Disable turns every later Tick into a no-op. Accumulated state is kept and
// the agent still receives messages.
func (b *Base) Disable(tick int) {
	b.disabledAt.CompareAndSwap(-1, int64(tick))
}

func (b *Base) Disabled() bool { return b.disabledAt.Load() >= 0 }

// DisabledAt returns the tick the agent was disabled at, or -1.
func (b *Base) DisabledAt() int { return int(b.disabledAt.Load()) }

// ready reports whether the agent should act on tick.
func (b *Base) ready(ctx context.Context, tick int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if b.Disabled() {
		return false, nil
	}
	return tick%b.tickRate == 0, nil
}

// Receive applies msg through the same validate-and-apply path as local
// writes. A rejected message is dropped; the store audits the attempt.
func (b *Base) Receive(msg Message) {
	b.mem.Attempt(msg.Key, msg.Value, &memory.Context{
		Tick:   msg.Tick,
		Event:  audit.EventReceive,
		Origin: msg.Sender,
	})
}

// Broadcast offers key=value to every scoped peer. Each in-scope candidate
// receives it with probability commProb. It returns the delivery count.
func (b *Base) Broadcast(roster []Agent, key, value string, tick int) int {
	recipients := b.recipients(roster, key)
	b.emit(audit.Record{
		Tick:    tick,
		Agent:   b.id,
		Event:   audit.EventFanout,
		Key:     key,
		Value:   strconv.Itoa(len(recipients)),
		InScope: b.slice.IsInScope(key),
	})

	delivered := 0
	for _, r := range recipients {
		inScope := r.Slice().IsInScope(key)
		ok := inScope && b.rng.Float64() < b.commProb
		if ok {
			r.Receive(Message{Key: key, Value: value, Tick: tick, Sender: b.id})
			delivered++
		}
		b.emit(audit.Record{
			Tick:      tick,
			Agent:     r.ID(),
			Event:     audit.EventCandidate,
			Key:       key,
			Value:     value,
			Validated: audit.ValidatedOf(ok),
			InScope:   inScope,
			Origin:    b.id,
		})
	}
	return delivered
}

func (b *Base) recipients(roster []Agent, key string) []Agent {
	if b.fanout != nil {
		if subs, ok := b.fanout.Subscribers(ontology.PrefixOf(key)); ok {
			out := make([]Agent, 0, len(subs))
			for _, a := range subs {
				if a.ID() != b.id {
					out = append(out, a)
				}
			}
			return out
		}
	}
	var out []Agent
	for _, a := range roster {
		if a.ID() != b.id && a.Slice().IsInScope(key) {
			out = append(out, a)
		}
	}
	return out
}

// commit validates key=value locally and, when accepted, makes it canonical.
func (b *Base) commit(key, value string, tick int) bool {
	if !b.mem.Attempt(key, value, memory.AtTick(tick)) {
		return false
	}
	b.global.Add(key, value, tick, b.id)
	return true
}

// publish is commit followed by a broadcast of the accepted update.
func (b *Base) publish(roster []Agent, key, value string, tick int) bool {
	if !b.commit(key, value, tick) {
		return false
	}
	b.Broadcast(roster, key, value, tick)
	return true
}

// place sets the location and commits the matching AgentPos fact.
func (b *Base) place(zone string, tick int) {
	b.location = zone
	if c, ok := b.grid.Coord(zone); ok {
		b.commit(ontology.Key(ontology.PrefixAgentPos, b.id), c.String(), tick)
	}
}

// moveTo relocates the agent and audits the move.
func (b *Base) moveTo(zone string, tick int) {
	b.emit(audit.Record{Tick: tick, Agent: b.id, Event: audit.EventMove, Key: "Relocate@" + zone, Value: "moving"})
	b.place(zone, tick)
}

func (b *Base) emit(r audit.Record) { audit.Emit(b.sink, r) }

// note emits a non-validating event record for key.
func (b *Base) note(tick int, ev audit.Event, key, value string) {
	b.emit(audit.Record{
		Tick:    tick,
		Agent:   b.id,
		Event:   ev,
		Key:     key,
		Value:   value,
		InScope: b.slice.IsInScope(key),
	})
}

// detectedZones returns, sorted, the zones this agent believes hold a
// detected survivor.
func detectedZones(state map[string]string) []string {
	var zones []string
	for k, v := range state {
		if ontology.PrefixOf(k) == ontology.PrefixSurvivor && v == ontology.ValueDetected {
			zones = append(zones, ontology.ScopeOf(k))
		}
	}
	sort.Strings(zones)
	return zones
}
