package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"sarswarm.ai/internal/analysis/consistency"
	"sarswarm.ai/internal/analysis/convergence"
	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/ontology"
	"sarswarm.ai/internal/sim/runner"
	"sarswarm.ai/internal/sim/tuning"
)

type report struct {
	RunID     string                     `json:"run_id"`
	Bisim     consistency.BisimReport    `json:"bisimulation"`
	Coherence consistency.CheckReport    `json:"coherence"`
	Isolation consistency.CheckReport    `json:"isolation"`
	Proposals consistency.ProposalReport `json:"proposals"`
	Estimate  convergence.Report         `json:"convergence"`
	BoundOK   bool                       `json:"bound_holds"`
	Injected  int                        `json:"injections"`
	Accepted  int                        `json:"injections_accepted"`
	Disabled  map[string]int             `json:"disabled,omitempty"`
	Settings  tuning.Analysis            `json:"analysis"`
}

func buildReport(runID string, a tuning.Analysis, schema *ontology.Schema, res *runner.Result, records []audit.Record) report {
	rep := report{
		RunID:    runID,
		Settings: a,
		Disabled: res.Disabled,
		Bisim: consistency.CheckBisimulation(res.Local, res.Global, res.Access, consistency.Options{
			MaxDelay: a.MaxDelay,
			Horizon:  a.Horizon,
		}),
		Coherence: consistency.CheckCoherence(res.Global, schema),
		Isolation: consistency.CheckIsolation(res.Local, res.Access),
		Proposals: consistency.CheckProposals(res.Proposals, res.Global, res.Ticks),
		Estimate:  convergence.Estimate(records, res.Access, convergence.Options{}),
		Injected:  len(res.Injections),
	}
	for _, in := range res.Injections {
		if in.Accepted {
			rep.Accepted++
		}
	}
	rep.BoundOK = rep.Estimate.BoundHolds(a.Tolerance)
	return rep
}

func (r report) writeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (r report) writeText(w io.Writer) {
	fmt.Fprintf(w, "run %s\n", r.RunID)
	fmt.Fprintf(w, "bisimulation  max_delay=%d horizon=%d score=%.4f (%d/%d violations)\n",
		r.Bisim.MaxDelay, r.Settings.Horizon, r.Bisim.Score, r.Bisim.Violations, r.Bisim.Observations)
	if v, ok := r.Bisim.FirstViolation(); ok {
		fmt.Fprintf(w, "  first violation: %s at snapshot %d keys=%v\n", v.Agent, v.Tick, v.Keys)
	}
	for k := 0; k <= r.Bisim.MaxDelay; k++ {
		fmt.Fprintf(w, "  delay<=%d mass=%.4f\n", k, r.Bisim.DelayMass(k))
	}
	ids := make([]string, 0, len(r.Bisim.Agents))
	for id := range r.Bisim.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if s := r.Bisim.Agents[id]; s.Violations > 0 {
			fmt.Fprintf(w, "  %-10s score=%.4f violations=%d\n", id, s.Score, s.Violations)
		}
	}

	fmt.Fprintf(w, "coherence     checked=%d violations=%d\n", r.Coherence.Checked, len(r.Coherence.Violations))
	fmt.Fprintf(w, "isolation     checked=%d violations=%d\n", r.Isolation.Checked, len(r.Isolation.Violations))
	fmt.Fprintf(w, "proposals     samples=%d score=%.4f max_deviation=%.4f\n",
		r.Proposals.Samples, r.Proposals.Score, r.Proposals.MaxDeviation)

	e := r.Estimate
	fmt.Fprintf(w, "convergence   rho=%.4f eta=%.4f lambda=%.4f p=%.4e\n", e.Rho, e.Eta, e.Lambda, e.P)
	fmt.Fprintf(w, "  commits=%d deliverable=%d receives=%d candidates=%d\n", e.Commits, e.DeliverableCommits, e.Receives, e.Candidates)
	fmt.Fprintf(w, "  arrivals=%d mean_delay=%.2f max_delay=%d bound_holds=%t (tol %.3f)\n",
		len(e.Delays), e.MeanDelay, e.MaxDelay, r.BoundOK, r.Settings.Tolerance)
	unconverged := 0
	for _, t := range e.AgentConvergence {
		if t < 0 {
			unconverged++
		}
	}
	fmt.Fprintf(w, "  agents converged=%d unconverged=%d\n", len(e.AgentConvergence)-unconverged, unconverged)

	fmt.Fprintf(w, "faults        injections=%d accepted=%d disabled=%d\n", r.Injected, r.Accepted, len(r.Disabled))
}
