package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/runner"
	"sarswarm.ai/internal/sim/tuning"
)

func TestSQLiteIndex_TickDropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: runner.TickSummary{Tick: 1}}

	_ = s.WriteTick(runner.TickSummary{Tick: 2})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropAuditTotal != 0 || st.Lossless() {
		t.Fatalf("drop stats mismatch: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WritesAfterCloseAreCounted(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.closed.Store(true)

	_ = s.WriteTick(runner.TickSummary{Tick: 1})
	_ = s.WriteAudit(audit.Record{Tick: 1})
	_ = s.RecordReport("bisim", map[string]int{"x": 1})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropAuditTotal != 1 || st.DropReportTotal != 1 {
		t.Fatalf("drop stats mismatch: %+v", st)
	}
	if st.QueueDepth != 0 {
		t.Fatalf("closed index queued %d requests", st.QueueDepth)
	}
}

func TestSQLiteIndex_AuditsBeyondQueueCapacityAreKept(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := openSQLite(path, "run-1", 16)
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	const n = 5000
	for i := 0; i < n; i++ {
		// Ticks interleave the way concurrent agents' records can.
		tick := i / 100
		if i%7 == 0 && tick > 0 {
			tick--
		}
		if err := idx.WriteAudit(audit.Record{Tick: tick, Agent: "relay1", Event: audit.EventReceive, Key: "Survivor@Z0_0", Value: "detected", Validated: audit.ValidatedTrue, InScope: true}); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	st := idx.Stats()
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !st.Lossless() {
		t.Fatalf("index lost rows: %+v", st)
	}

	q, err := OpenQuery(path)
	if err != nil {
		t.Fatalf("OpenQuery: %v", err)
	}
	defer q.Close()
	counts, err := q.CountEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if counts[audit.EventReceive] != n {
		t.Fatalf("receive rows=%d want %d", counts[audit.EventReceive], n)
	}
	loss, err := q.Loss(ctx, "run-1")
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	if loss.Any() {
		t.Fatalf("loss recorded: %+v", loss)
	}
}

func TestQuery_LossReportsDroppedTicks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := OpenSQLite(path, "run-1")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.dropTick.Add(3)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q, err := OpenQuery(path)
	if err != nil {
		t.Fatalf("OpenQuery: %v", err)
	}
	defer q.Close()
	loss, err := q.Loss(ctx, "run-1")
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	if loss != (Loss{Ticks: 3}) || !loss.Any() {
		t.Fatalf("loss=%+v", loss)
	}
	if _, err := q.Loss(ctx, "run-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown run err=%v", err)
	}
}

func TestSQLiteIndex_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := OpenSQLite(path, "run-1")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	tune := tuning.Defaults()
	if err := idx.RecordRun(ctx, tune); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	recs := []audit.Record{
		{Tick: 0, Agent: "search1", Event: audit.EventSeed, Key: "ZoneCoord@Z0_0", Value: "0,0", Validated: audit.ValidatedTrue, InScope: true, Origin: "system"},
		{Tick: 1, Agent: "search1", Event: audit.EventMemoryUpdate, Key: "Survivor@Z0_0", Value: "detected", Validated: audit.ValidatedTrue, InScope: true},
		{Tick: 1, Agent: "relay1", Event: audit.EventCandidate, Key: "Survivor@Z0_0", Value: "detected", Validated: audit.ValidatedTrue, InScope: true, Origin: "search1"},
		{Tick: 1, Agent: "search1", Event: audit.EventFoundSurvivor, Key: "Survivor@Z0_0", Value: "detected", InScope: true},
		{Tick: 2, Agent: "search1", Event: audit.EventBadUpdate, Key: "Forbidden@tick2", Value: "bad_payload_1234", Validated: audit.ValidatedFalse},
	}
	for _, r := range recs {
		if err := idx.WriteAudit(r); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	for tick := 1; tick <= 2; tick++ {
		_ = idx.WriteTick(runner.TickSummary{Tick: tick, Agents: 3, Detected: tick})
	}
	if err := idx.RecordReport("estimate", map[string]float64{"rho": 1}); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q, err := OpenQuery(path)
	if err != nil {
		t.Fatalf("OpenQuery: %v", err)
	}
	defer q.Close()

	runs, err := q.Runs(ctx)
	if err != nil || len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Seed != tune.Seed || runs[0].Agents != tune.Population.Total() {
		t.Fatalf("Runs: %+v err=%v", runs, err)
	}

	counts, err := q.CountEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if counts[audit.EventMemoryUpdate] != 1 || counts[audit.EventCandidate] != 1 || counts[audit.EventBadUpdate] != 1 || counts[audit.EventSeed] != 1 {
		t.Fatalf("counts mismatch: %v", counts)
	}

	got, err := q.AgentRecords(ctx, "run-1", "search1")
	if err != nil {
		t.Fatalf("AgentRecords: %v", err)
	}
	want := []audit.Record{recs[0], recs[1], recs[3], recs[4]}
	if len(got) != len(want) {
		t.Fatalf("AgentRecords len=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	ticks, err := q.Ticks(ctx, "run-1")
	if err != nil || len(ticks) != 2 || ticks[1].Detected != 2 {
		t.Fatalf("Ticks: %+v err=%v", ticks, err)
	}

	var rep map[string]float64
	if err := q.Report(ctx, "run-1", "estimate", &rep); err != nil || rep["rho"] != 1 {
		t.Fatalf("Report: %v err=%v", rep, err)
	}
	if err := q.Report(ctx, "run-1", "missing", &rep); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing report err=%v", err)
	}
}

func TestOpenSQLite_RequiresPathAndRun(t *testing.T) {
	if _, err := OpenSQLite("", "r"); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), ""); err == nil {
		t.Fatal("expected error for empty run id")
	}
}
