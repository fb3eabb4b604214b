package runner

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sarswarm.ai/internal/analysis/consistency"
	"sarswarm.ai/internal/analysis/convergence"
	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/logic/mathx"
	"sarswarm.ai/internal/sim/ontology"
	"sarswarm.ai/internal/sim/tuning"
	"sarswarm.ai/internal/sim/world"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func smallTuning() tuning.Tuning {
	cfg := tuning.Defaults()
	cfg.World = tuning.World{Width: 4, Height: 4}
	cfg.Population = tuning.Population{Search: 2, Rescue: 2, Relay: 3}
	cfg.Ticks = 20
	cfg.FlushTicks = 3
	cfg.Rescue = tuning.Rescue{ServiceMin: 1, ServiceMax: 2}
	return cfg
}

func run(t *testing.T, opts Options) (*Result, *audit.Recorder) {
	t.Helper()
	rec := audit.NewRecorder()
	opts.Sink = rec
	r, err := New(opts)
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	return res, rec
}

func firstIndexWith(trace []map[string]string, key string) int {
	for i, s := range trace {
		if _, ok := s[key]; ok {
			return i
		}
	}
	return -1
}

func TestNew_RejectsInvalidTuning(t *testing.T) {
	cfg := smallTuning()
	cfg.CommProb = 2
	_, err := New(Options{Tuning: cfg})
	require.ErrorIs(t, err, tuning.ErrInvalid)
}

func TestRun_SingleZoneScenario(t *testing.T) {
	cfg := tuning.Defaults()
	cfg.World = tuning.World{Width: 3, Height: 3}
	cfg.Population = tuning.Population{Search: 1, Rescue: 1, Relay: 1}
	cfg.Ticks = 3
	cfg.FlushTicks = 0
	cfg.Seed = 7

	survivor := ontology.Key(ontology.PrefixSurvivor, "Z0_0")
	outcome := func() string {
		res, _ := run(t, Options{Tuning: cfg, SearchZones: map[string][]string{"search1": {"Z0_0"}}})
		require.Len(t, res.Ticks, 3)
		v, ok := res.Canonical[survivor]
		require.True(t, ok)
		return v
	}
	first := outcome()
	assert.Contains(t, []string{ontology.ValueDetected, ontology.ValueNone}, first)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, outcome())
	}
}

func TestRun_RelayPrecedesRescue(t *testing.T) {
	cfg := tuning.Defaults()
	cfg.World = tuning.World{Width: 3, Height: 3}
	cfg.Population = tuning.Population{Search: 1, Rescue: 1, Relay: 1}
	cfg.Ticks = 40
	cfg.Seed = 7

	res, _ := run(t, Options{Tuning: cfg, SearchZones: map[string][]string{"search1": {"Z0_0"}}})
	trace := res.Global["relay1"]
	rescued := firstIndexWith(trace, ontology.Key(ontology.PrefixRescue, "Z0_0"))
	if rescued < 0 {
		t.Skip("no rescue completed for this seed")
	}
	relayed := firstIndexWith(trace, ontology.Key(ontology.PrefixRelay, "Z0_0"))
	require.GreaterOrEqual(t, relayed, 0)
	assert.Less(t, relayed, rescued)
}

func TestRun_BadUpdatesNeverLand(t *testing.T) {
	cfg := smallTuning()
	cfg.BadUpdate = tuning.BadUpdate{Interval: 5, Ticks: []int{2}}

	res, rec := run(t, Options{Tuning: cfg})
	require.Len(t, res.Injections, 5) // ticks 2, 5, 10, 15, 20

	bad := map[string]bool{}
	for _, p := range badPrefixes {
		bad[p] = true
	}
	for _, inj := range res.Injections {
		assert.False(t, inj.Accepted)
		assert.True(t, bad[ontology.PrefixOf(inj.Key)], inj.Key)
		assert.Regexp(t, `^[A-Za-z]+@tick[0-9]+$`, inj.Key)
		assert.True(t, strings.HasPrefix(inj.Value, "bad_payload_"))
	}
	for id, trace := range res.Local {
		for i, state := range trace {
			for k := range state {
				assert.False(t, bad[ontology.PrefixOf(k)], "%s snapshot %d holds %s", id, i, k)
			}
		}
	}
	for k := range res.Canonical {
		assert.False(t, bad[ontology.PrefixOf(k)], k)
	}

	n := 0
	for _, r := range rec.Records() {
		if r.Event == audit.EventBadUpdate {
			n++
			assert.Equal(t, audit.ValidatedFalse, r.Validated)
			assert.False(t, r.InScope)
		}
	}
	assert.Equal(t, 5, n)

	coherence := consistency.CheckCoherence(res.Global, nil)
	assert.True(t, coherence.OK())
	isolation := consistency.CheckIsolation(res.Local, res.Access)
	assert.True(t, isolation.OK())
}

func TestRun_DisableLeavesEarlierTicksUntouched(t *testing.T) {
	const disableAt = 6
	base := smallTuning()
	faulty := smallTuning()
	faulty.Failures = []tuning.Failure{{Tick: disableAt, Agents: []string{"search1", "relay2"}}}

	want, _ := run(t, Options{Tuning: base, Sequential: true})
	got, rec := run(t, Options{Tuning: faulty, Sequential: true})

	cut := disableAt - 1 // snapshots for ticks 1..disableAt-1
	for id := range want.Local {
		assert.Empty(t, cmp.Diff(want.Local[id][:cut], got.Local[id][:cut]), id)
		assert.Empty(t, cmp.Diff(want.Global[id][:cut], got.Global[id][:cut]), id)
	}
	assert.Equal(t, map[string]int{"search1": disableAt, "relay2": disableAt}, got.Disabled)

	failures := 0
	for _, r := range rec.Records() {
		if r.Event == audit.EventFailure {
			failures++
			assert.Equal(t, disableAt, r.Tick)
			assert.Equal(t, "agent_offline", r.Value)
			continue
		}
		if r.Tick < disableAt {
			continue
		}
		for _, off := range []string{"search1", "relay2"} {
			assert.False(t, r.Event == audit.EventFanout && r.Agent == off, "fanout from %s at tick %d", off, r.Tick)
			assert.False(t, r.Event == audit.EventCandidate && r.Origin == off, "candidate from %s at tick %d", off, r.Tick)
			assert.False(t, r.Event == audit.EventMemoryUpdate && r.Agent == off, "commit by %s at tick %d", off, r.Tick)
		}
	}
	assert.Equal(t, 2, failures)
}

func TestRun_UnknownFailureTargetIsSkipped(t *testing.T) {
	cfg := smallTuning()
	cfg.Ticks = 3
	cfg.Failures = []tuning.Failure{{Tick: 1, Agents: []string{"ghost"}}}
	res, _ := run(t, Options{Tuning: cfg})
	assert.Empty(t, res.Disabled)
}

func TestRunner_Find(t *testing.T) {
	r, err := New(Options{Tuning: smallTuning()})
	require.NoError(t, err)

	a := r.find("relay2")
	require.NotNil(t, a)
	assert.Equal(t, "relay2", a.ID())
	assert.Equal(t, agents.RoleRelay, a.Role())
	assert.Nil(t, r.find("ghost"))
	assert.Nil(t, r.find(""))
}

func TestRun_SequentialIsReproducible(t *testing.T) {
	cfg := smallTuning()
	a, _ := run(t, Options{Tuning: cfg, Sequential: true})
	b, _ := run(t, Options{Tuning: cfg, Sequential: true})
	assert.Empty(t, cmp.Diff(a.Local, b.Local))
	assert.Empty(t, cmp.Diff(a.Global, b.Global))
	assert.Empty(t, cmp.Diff(a.Canonical, b.Canonical))
}

func TestRun_TickSummariesAndFlush(t *testing.T) {
	cfg := smallTuning()
	var sums []TickSummary
	res, _ := run(t, Options{Tuning: cfg, OnTick: func(s TickSummary) { sums = append(sums, s) }})

	require.Len(t, sums, cfg.Ticks+cfg.FlushTicks)
	require.Len(t, res.Ticks, cfg.Ticks+cfg.FlushTicks)
	assert.Equal(t, cfg.Ticks, res.FlushFrom)
	for i, s := range sums {
		assert.Equal(t, i+1, s.Tick)
		assert.Equal(t, i >= cfg.Ticks, s.Flush)
		assert.Equal(t, cfg.Population.Total(), s.Agents)
	}
	// Flush ticks never write.
	last := res.Local["relay1"]
	assert.Equal(t, last[cfg.Ticks-1], last[len(last)-1])
}

func TestRun_ConvergesAtFullDelivery(t *testing.T) {
	for _, tc := range []struct {
		name       string
		sequential bool
	}{
		{"concurrent", false},
		{"sequential", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tuning.Defaults()
			cfg.World = tuning.World{Width: 5, Height: 5}
			cfg.Population = tuning.Population{Search: 3, Rescue: 2, Relay: 4}
			cfg.Ticks = 200
			cfg.FlushTicks = 5

			res, rec := run(t, Options{Tuning: cfg, Sequential: tc.sequential})

			bisim := consistency.CheckBisimulation(res.Local, res.Global, res.Access, consistency.Options{MaxDelay: 1})
			assert.Equal(t, 1.0, bisim.Score)
			assert.Zero(t, bisim.Violations)
			require.Len(t, bisim.Agents, cfg.Population.Total())
			for id, sc := range bisim.Agents {
				assert.Equal(t, 1.0, sc.Score, id)
				assert.Positive(t, sc.Observations, id)
			}
			for _, id := range []string{"search1", "search2", "search3"} {
				// Positions are committed but never broadcast.
				for k, pair := range res.Mismatches(id) {
					assert.Equal(t, ontology.PrefixAgentPos, ontology.PrefixOf(k), "%s: %s", id, k)
					assert.Empty(t, pair[0])
				}
			}

			est := convergence.Estimate(rec.Records(), res.Access, convergence.Options{})
			assert.InDelta(t, 1.0, est.Rho, 1e-9)
			assert.InDelta(t, 1.0, est.Eta, 1e-9)
			assert.Equal(t, 0, est.MaxDelay)
			assert.True(t, est.BoundHolds(cfg.Analysis.Tolerance))
			for _, id := range []string{"search1", "search2", "search3"} {
				assert.GreaterOrEqual(t, est.AgentConvergence[id], 0, id)
			}

			proposals := consistency.CheckProposals(res.Proposals, res.Global, res.Ticks)
			assert.Equal(t, 1.0, proposals.Score)
			assert.Positive(t, proposals.Samples)
		})
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	r, err := New(Options{Tuning: smallTuning()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSeedZones_CoordinatesAreCanonical(t *testing.T) {
	r, err := New(Options{Tuning: smallTuning()})
	require.NoError(t, err)
	for _, zone := range r.Grid().Zones() {
		v, ok := r.Global().Get(ontology.Key(ontology.PrefixZoneCoord, zone))
		require.True(t, ok, zone)
		c, _ := r.Grid().Coord(zone)
		assert.Equal(t, c.String(), v)
	}
	for _, a := range r.Roster() {
		got, ok := a.Memory().Get(ontology.Key(ontology.PrefixZoneCoord, "Z0_0"))
		require.True(t, ok, a.ID())
		assert.Equal(t, world.Coord{}.String(), got)
	}
}

func TestBuildSlices_FanOut(t *testing.T) {
	rng := mathx.NewRand(1, "slices")
	s := buildSlices(ontology.Default(), 2, 4, 4, 0.25, rng)
	require.Len(t, s.search, 2)
	require.Len(t, s.rescue, 4)
	require.Len(t, s.relay, 4)

	counts := map[string]int{}
	for _, sl := range append(append([]*ontology.Slice(nil), s.rescue...), s.relay...) {
		for _, p := range CommonPrefixes {
			assert.True(t, sl.Allows(p))
		}
		shared := 0
		for _, p := range SharedPrefixes {
			if sl.Allows(p) {
				counts[p]++
				shared++
			}
		}
		assert.Positive(t, shared)
	}
	for _, p := range SharedPrefixes {
		if p == ontology.PrefixSurvivor {
			assert.GreaterOrEqual(t, counts[p], 2)
			continue
		}
		assert.Equal(t, 2, counts[p], p)
	}

	full := buildSlices(ontology.Default(), 1, 1, 1, 1, rng)
	assert.True(t, full.rescue[0].Allows(ontology.PrefixBid))
	assert.False(t, full.relay[0].Allows(ontology.PrefixBid))
	assert.False(t, full.search[0].Allows(ontology.PrefixRelay))
}

func TestSplitZones(t *testing.T) {
	zones := world.NewGrid(2, 5).Zones()
	rng := mathx.NewRand(3, "zones")

	split := splitZones(zones, 3, rng)
	require.Len(t, split, 3)
	assert.Len(t, split[0], 4)
	assert.Len(t, split[1], 4)
	assert.Len(t, split[2], 2)
	var all []string
	for _, part := range split {
		all = append(all, part...)
	}
	assert.ElementsMatch(t, zones, all)

	assert.Nil(t, splitZones(zones, 0, rng))
	many := splitZones(zones[:2], 4, rng)
	assert.Len(t, many, 4)
	assert.Empty(t, many[2])
	assert.Empty(t, many[3])
}
