package runner

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/logic/mathx"
	"sarswarm.ai/internal/sim/memory"
	"sarswarm.ai/internal/sim/ontology"
	"sarswarm.ai/internal/sim/tuning"
	"sarswarm.ai/internal/sim/world"
)

// SystemAgent is the origin recorded for facts seeded by the driver.
const SystemAgent = "system"

type Options struct {
	Tuning tuning.Tuning
	// Schema defaults to ontology.Default().
	Schema *ontology.Schema
	Sink   audit.Sink
	Logger *zap.Logger

	// SearchZones overrides the shuffled zone split for the named searchers.
	SearchZones map[string][]string
	// Sequential steps agents one after another in roster order instead of
	// concurrently. Runs are then reproducible from the seed alone.
	Sequential bool
	// OnTick is called after every snapshot, flush ticks included.
	OnTick func(TickSummary)
}

type Runner struct {
	cfg        tuning.Tuning
	schema     *ontology.Schema
	sink       audit.Sink
	log        *zap.Logger
	sequential bool
	onTick     func(TickSummary)

	setupRng *rand.Rand
	grid     *world.Grid
	global   *memory.GlobalStore
	claims   *agents.ClaimLedger
	fanout   *agents.FanoutIndex

	roster     []agents.Agent
	projectors []memory.Projector
	searchers  []*agents.Search
	rescuers   []*agents.Rescue
	relays     []*agents.Relay

	local      map[string][]map[string]string
	ticks      []int
	injections []Injection
	disabled   map[string]int
}

// New builds the world, slices and agents, wires the fanout index and seeds
// zone coordinates. No tick has run when it returns.
func New(opts Options) (*Runner, error) {
	cfg := opts.Tuning
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema := opts.Schema
	if schema == nil {
		schema = ontology.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := &Runner{
		cfg:        cfg,
		schema:     schema,
		sink:       opts.Sink,
		log:        log,
		sequential: opts.Sequential,
		onTick:     opts.OnTick,
		setupRng:   mathx.NewRand(cfg.Seed, "setup"),
		grid:       world.NewGrid(cfg.World.Width, cfg.World.Height),
		global:     memory.NewGlobalStore(),
		claims:     agents.NewClaimLedger(),
		local:      map[string][]map[string]string{},
		disabled:   map[string]int{},
	}

	slices := buildSlices(schema, cfg.Population.Search, cfg.Population.Rescue, cfg.Population.Relay, cfg.FanOut, r.setupRng)
	agentCfg := func(role string, i int, slice *ontology.Slice, rate int) agents.Config {
		id := agentID(role, i)
		return agents.Config{
			ID:       id,
			Slice:    slice,
			Grid:     r.grid,
			Global:   r.global,
			Sink:     r.sink,
			CommProb: cfg.CommProb,
			TickRate: rate,
			Rand:     mathx.NewRand(cfg.Seed, id),
		}
	}
	for i, sl := range slices.search {
		a := agents.NewSearch(agentCfg("search", i, sl, cfg.TickRates.Search))
		r.searchers = append(r.searchers, a)
		r.roster = append(r.roster, a)
	}
	for i, sl := range slices.rescue {
		a := agents.NewRescue(agentCfg("rescue", i, sl, cfg.TickRates.Rescue), cfg.Rescue.ServiceMin, cfg.Rescue.ServiceMax)
		r.rescuers = append(r.rescuers, a)
		r.roster = append(r.roster, a)
	}
	for i, sl := range slices.relay {
		a := agents.NewRelay(agentCfg("relay", i, sl, cfg.TickRates.Relay), r.claims)
		r.relays = append(r.relays, a)
		r.roster = append(r.roster, a)
	}

	r.fanout = agents.BuildFanoutIndex(r.roster)
	for _, a := range r.searchers {
		a.UseFanout(r.fanout)
	}
	for _, a := range r.rescuers {
		a.UseFanout(r.fanout)
	}
	for _, a := range r.relays {
		a.UseFanout(r.fanout)
	}
	for _, a := range r.roster {
		r.projectors = append(r.projectors, a)
	}

	r.seedZones()
	r.assignZones(opts.SearchZones)
	zones := r.grid.Zones()
	for _, a := range r.rescuers {
		a.Spawn(zones[r.setupRng.IntN(len(zones))], 0)
	}
	for _, a := range r.relays {
		a.Spawn(zones[r.setupRng.IntN(len(zones))], 0)
	}

	r.log.Info("run prepared",
		zap.Int("agents", len(r.roster)),
		zap.Int("zones", len(zones)),
		zap.Float64("comm_prob", cfg.CommProb),
		zap.Float64("fan_out", cfg.FanOut),
		zap.Int64("seed", cfg.Seed))
	return r, nil
}

// seedZones makes every ZoneCoord fact canonical and loads it into each
// agent whose slice holds it.
func (r *Runner) seedZones() {
	for _, zone := range r.grid.Zones() {
		c, _ := r.grid.Coord(zone)
		key := ontology.Key(ontology.PrefixZoneCoord, zone)
		r.global.Add(key, c.String(), 0, SystemAgent)
		for _, a := range r.roster {
			if a.Slice().IsInScope(key) {
				a.Memory().Attempt(key, c.String(), &memory.Context{Tick: 0, Event: audit.EventSeed, Origin: SystemAgent})
			}
		}
	}
}

func (r *Runner) assignZones(override map[string][]string) {
	split := splitZones(r.grid.Zones(), len(r.searchers), r.setupRng)
	for i, s := range r.searchers {
		zones := split[i]
		if z, ok := override[s.ID()]; ok {
			zones = z
		}
		s.AssignZones(zones, 0)
	}
}

func (r *Runner) Roster() []agents.Agent { return append([]agents.Agent(nil), r.roster...) }

func (r *Runner) Grid() *world.Grid { return r.grid }

// find returns the roster agent with id, or nil.
func (r *Runner) find(id string) agents.Agent {
	for _, a := range r.roster {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

func (r *Runner) Global() *memory.GlobalStore { return r.global }

// Run executes the configured ticks then the flush ticks. Only context
// cancellation or an agent step error ends it early.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	for tick := 1; tick <= r.cfg.Ticks; tick++ {
		r.applyFailures(tick)
		injected := false
		if r.cfg.BadUpdate.Due(tick) {
			r.injectBadUpdate(tick)
			injected = true
		}
		if err := r.step(ctx, tick); err != nil {
			return nil, fmt.Errorf("tick %d: %w", tick, err)
		}
		r.snapshot(tick, false, injected)
	}

	// Flush ticks run no behaviour; they only extend the trace so late
	// deliveries can be matched.
	for i := 1; i <= r.cfg.FlushTicks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.snapshot(r.cfg.Ticks+i, true, false)
	}

	res := r.result()
	r.log.Info("run finished",
		zap.Int("ticks", r.cfg.Ticks),
		zap.Int("flush_ticks", r.cfg.FlushTicks),
		zap.Int("canonical_keys", len(res.Canonical)),
		zap.Int("injections", len(r.injections)),
		zap.Int("disabled", len(r.disabled)))
	return res, nil
}

func (r *Runner) step(ctx context.Context, tick int) error {
	if r.sequential {
		for _, a := range r.roster {
			if err := a.Tick(ctx, r.roster, tick); err != nil {
				return fmt.Errorf("%s: %w", a.ID(), err)
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range r.roster {
		g.Go(func() error {
			if err := a.Tick(gctx, r.roster, tick); err != nil {
				return fmt.Errorf("%s: %w", a.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) snapshot(tick int, flush, injected bool) {
	for _, a := range r.roster {
		r.local[a.ID()] = append(r.local[a.ID()], a.Memory().AllState())
	}
	r.global.Snapshot(r.projectors, tick)
	r.ticks = append(r.ticks, tick)

	sum := r.summarize(tick, flush, injected)
	r.log.Debug("tick",
		zap.Int("tick", tick),
		zap.Bool("flush", flush),
		zap.Int("keys", sum.Keys),
		zap.Int("detected", sum.Detected),
		zap.Int("relayed", sum.Relayed),
		zap.Int("rescued", sum.Rescued))
	if r.onTick != nil {
		r.onTick(sum)
	}
}

func (r *Runner) summarize(tick int, flush, injected bool) TickSummary {
	s := TickSummary{Tick: tick, Flush: flush, Injected: injected, Agents: len(r.roster)}
	for _, a := range r.roster {
		if a.Disabled() {
			s.Disabled++
		}
	}
	canonical := r.global.Canonical()
	s.Keys = len(canonical)
	for k, v := range canonical {
		switch ontology.PrefixOf(k) {
		case ontology.PrefixSurvivor:
			if v == ontology.ValueDetected {
				s.Detected++
			}
		case ontology.PrefixRelay:
			s.Relayed++
		case ontology.PrefixRescue:
			s.Rescued++
		}
	}
	return s
}
