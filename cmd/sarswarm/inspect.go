package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/persistence/archive"
	"sarswarm.ai/internal/persistence/indexdb"
	"sarswarm.ai/internal/persistence/snapshot"
)

func newInspectCmd() *cobra.Command {
	var (
		agent   string
		records bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <run-dir>",
		Short: "Show a stored run and where agents disagree with the canonical store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := args[0]
			out := cmd.OutOrStdout()

			h, err := snapshot.ReadHeader(filepath.Join(runDir, traceFile))
			if err != nil {
				return fmt.Errorf("read header: %w", err)
			}
			fmt.Fprintf(out, "run %s seed=%d ticks=%d flush=%d agents=%d\n", h.RunID, h.Seed, h.Ticks, h.Flush, h.Agents)

			trace, err := snapshot.ReadTrace(filepath.Join(runDir, traceFile))
			if err != nil {
				return fmt.Errorf("read trace: %w", err)
			}
			res := trace.Result()

			ids := []string{agent}
			if agent == "" {
				ids = ids[:0]
				for id := range res.Access {
					ids = append(ids, id)
				}
				sort.Strings(ids)
			} else if _, ok := res.Access[agent]; !ok {
				return fmt.Errorf("unknown agent %q", agent)
			}
			for _, id := range ids {
				writeMismatches(out, id, res.Mismatches(id), res.Disabled)
			}

			// Run dirs live directly under the output dir.
			if peers, err := archive.ListArchived(filepath.Dir(filepath.Clean(runDir)), h.Seed); err == nil && len(peers) > 0 {
				fmt.Fprintf(out, "archived runs with seed %d:\n", h.Seed)
				for _, m := range peers {
					fmt.Fprintf(out, "  %s %s bisim=%.4f p=%.4e\n", m.CreatedAt, m.RunID, m.BisimScore, m.P)
				}
			}

			dbPath := filepath.Join(runDir, indexFile)
			if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			q, err := indexdb.OpenQuery(dbPath)
			if err != nil {
				return err
			}
			defer q.Close()

			loss, err := q.Loss(cmd.Context(), h.RunID)
			switch {
			case errors.Is(err, indexdb.ErrNotFound):
				fmt.Fprintln(out, "warning: index was not closed cleanly; counts below may be partial")
			case err != nil:
				return err
			case loss.Any():
				fmt.Fprintf(out, "warning: index is partial (dropped ticks=%d audits=%d reports=%d, failed writes=%d); the audit log under %s is complete\n",
					loss.Ticks, loss.Audits, loss.Reports, loss.Failed, runDir)
			}

			counts, err := q.CountEvents(cmd.Context(), h.RunID)
			if err != nil {
				return err
			}
			events := make([]string, 0, len(counts))
			for ev := range counts {
				events = append(events, string(ev))
			}
			sort.Strings(events)
			fmt.Fprintln(out, "events:")
			for _, ev := range events {
				fmt.Fprintf(out, "  %-14s %d\n", ev, counts[audit.Event(ev)])
			}

			if records && agent != "" {
				recs, err := q.AgentRecords(cmd.Context(), h.RunID, agent)
				if err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Fprintln(out, "  "+r.String())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "limit output to one agent")
	cmd.Flags().BoolVar(&records, "records", false, "with --agent, list the agent's indexed audit records")
	return cmd
}

func writeMismatches(w io.Writer, id string, mm map[string][2]string, disabled map[string]int) {
	suffix := ""
	if t, ok := disabled[id]; ok {
		suffix = fmt.Sprintf(" (disabled at tick %d)", t)
	}
	fmt.Fprintf(w, "%s: %d mismatches%s\n", id, len(mm), suffix)
	keys := make([]string, 0, len(mm))
	for k := range mm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s local=%q global=%q\n", k, mm[k][0], mm[k][1])
	}
}
