package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/runner"
)

var ErrNotFound = errors.New("not found")

// Query reads an index written by SQLiteIndex.
type Query struct{ db *sql.DB }

func OpenQuery(path string) (*Query, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Query{db: db}, nil
}

func (q *Query) Close() error { return q.db.Close() }

type Run struct {
	ID        string `json:"run_id"`
	Seed      int64  `json:"seed"`
	Ticks     int    `json:"ticks"`
	Agents    int    `json:"agents"`
	Digest    string `json:"tuning_digest"`
	StartedAt string `json:"started_at"`
}

// Runs lists every recorded run, newest first.
func (q *Query) Runs(ctx context.Context) ([]Run, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT run_id,seed,ticks,agents,tuning_digest,started_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Seed, &r.Ticks, &r.Agents, &r.Digest, &r.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEvents returns the number of audit rows per event for runID.
func (q *Query) CountEvents(ctx context.Context, runID string) (map[audit.Event]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT event, COUNT(*) FROM audits WHERE run_id=? GROUP BY event`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[audit.Event]int{}
	for rows.Next() {
		var ev string
		var n int
		if err := rows.Scan(&ev, &n); err != nil {
			return nil, err
		}
		out[audit.Event(ev)] = n
	}
	return out, rows.Err()
}

// AgentRecords returns runID's audit rows for agent in write order.
func (q *Query) AgentRecords(ctx context.Context, runID, agent string) ([]audit.Record, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT tick,agent,event,key,value,validated,in_scope,COALESCE(origin,'') FROM audits WHERE run_id=? AND agent=? ORDER BY tick,seq`,
		runID, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Record
	for rows.Next() {
		var (
			r         audit.Record
			ev, valid string
			inScope   int
		)
		if err := rows.Scan(&r.Tick, &r.Agent, &ev, &r.Key, &r.Value, &valid, &inScope, &r.Origin); err != nil {
			return nil, err
		}
		r.Event = audit.Event(ev)
		r.InScope = inScope != 0
		if err := r.Validated.UnmarshalJSON([]byte(`"` + valid + `"`)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Query) Ticks(ctx context.Context, runID string) ([]runner.TickSummary, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT raw_json FROM ticks WHERE run_id=? ORDER BY tick`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runner.TickSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var s runner.TickSummary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Report decodes the named report of runID into v.
func (q *Query) Report(ctx context.Context, runID, name string, v any) error {
	var raw string
	err := q.db.QueryRowContext(ctx, `SELECT json FROM reports WHERE run_id=? AND name=?`, runID, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("report %s/%s: %w", runID, name, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// Loss is what an index run failed to store. A non-zero field means the
// tables hold a partial view of that run.
type Loss struct {
	Ticks   uint64 `json:"dropped_ticks"`
	Audits  uint64 `json:"dropped_audits"`
	Reports uint64 `json:"dropped_reports"`
	Failed  uint64 `json:"failed_writes"`
}

func (l Loss) Any() bool { return l != Loss{} }

// Loss returns the losses recorded when runID's index was closed. It returns
// ErrNotFound when the index was never closed cleanly.
func (q *Query) Loss(ctx context.Context, runID string) (Loss, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT key, value FROM meta WHERE key LIKE ?`, lossKey(runID, "%"))
	if err != nil {
		return Loss{}, err
	}
	defer rows.Close()
	var (
		l     Loss
		found bool
	)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Loss{}, err
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Loss{}, fmt.Errorf("meta %s: %w", k, err)
		}
		found = true
		switch k {
		case lossKey(runID, lossKeyTicks):
			l.Ticks = n
		case lossKey(runID, lossKeyAudits):
			l.Audits = n
		case lossKey(runID, lossKeyReports):
			l.Reports = n
		case lossKey(runID, lossKeyFailed):
			l.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Loss{}, err
	}
	if !found {
		return Loss{}, fmt.Errorf("loss %s: %w", runID, ErrNotFound)
	}
	return l, nil
}
