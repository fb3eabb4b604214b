package runner

import (
	"fmt"

	"go.uber.org/zap"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/memory"
)

// Injection records one bad update pushed at an agent.
type Injection struct {
	Tick     int    `json:"tick"`
	Agent    string `json:"agent"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Accepted bool   `json:"accepted"`
}

// applyFailures disables every agent scheduled for tick. Unknown ids are
// logged and skipped.
func (r *Runner) applyFailures(tick int) {
	for _, f := range r.cfg.Failures {
		if f.Tick != tick {
			continue
		}
		for _, id := range f.Agents {
			a := r.find(id)
			if a == nil {
				r.log.Warn("failure targets unknown agent", zap.String("agent", id), zap.Int("tick", tick))
				continue
			}
			if a.Disabled() {
				continue
			}
			a.Disable(tick)
			r.disabled[id] = tick
			audit.Emit(r.sink, audit.Record{
				Tick:      tick,
				Agent:     id,
				Event:     audit.EventFailure,
				Key:       "status",
				Value:     "agent_offline",
				Validated: audit.ValidatedFalse,
				InScope:   true,
			})
			r.log.Info("agent disabled", zap.String("agent", id), zap.Int("tick", tick))
		}
	}
}

// injectBadUpdate makes a random agent attempt a write under a prefix no
// schema knows. The store must reject it.
func (r *Runner) injectBadUpdate(tick int) {
	if len(r.roster) == 0 {
		return
	}
	a := r.roster[r.setupRng.IntN(len(r.roster))]
	prefix := badPrefixes[r.setupRng.IntN(len(badPrefixes))]
	key := fmt.Sprintf("%s@tick%d", prefix, tick)
	value := fmt.Sprintf("bad_payload_%d", 1000+r.setupRng.IntN(9000))

	ok := a.Memory().Attempt(key, value, &memory.Context{Tick: tick, Event: audit.EventBadUpdate})
	r.injections = append(r.injections, Injection{Tick: tick, Agent: a.ID(), Key: key, Value: value, Accepted: ok})
	r.log.Info("bad update injected",
		zap.Int("tick", tick),
		zap.String("agent", a.ID()),
		zap.String("key", key),
		zap.Bool("accepted", ok))
}
