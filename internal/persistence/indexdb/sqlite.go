package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/runner"
	"sarswarm.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of one or more runs. Writes are
// queued and applied by a single goroutine. Audit and report writes wait for
// queue space; tick writes come from the simulation loop and are dropped when
// the queue is full. Losses are stored in meta on Close so readers can tell a
// partial index from a complete one. The JSONL logs remain the source of
// truth.
type SQLiteIndex struct {
	db    *sql.DB
	runID string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu keeps Close from closing ch under a blocked sender.
	sendMu sync.RWMutex
	closed atomic.Bool

	dropTick   atomic.Uint64
	dropAudit  atomic.Uint64
	dropReport atomic.Uint64
	failed     atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqReport
)

type req struct {
	kind reqKind

	tick   runner.TickSummary
	audit  audit.Record
	report reportRow
}

type reportRow struct {
	Name string
	JSON []byte
}

type Stats struct {
	DropTickTotal   uint64 `json:"drop_tick_total"`
	DropAuditTotal  uint64 `json:"drop_audit_total"`
	DropReportTotal uint64 `json:"drop_report_total"`
	// FailedWrites counts rows lost to failed statements or transactions.
	FailedWrites  uint64 `json:"failed_writes"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

// Lossless reports whether every row handed to the index was stored.
func (s Stats) Lossless() bool {
	return s.DropTickTotal == 0 && s.DropAuditTotal == 0 && s.DropReportTotal == 0 && s.FailedWrites == 0
}

// defaultQueue is sized for audit bursts: every delivery attempt is audited.
const defaultQueue = 262144

// OpenSQLite opens (or creates) the index at path. Rows written through the
// returned handle are tagged with runID.
func OpenSQLite(path, runID string) (*SQLiteIndex, error) {
	return openSQLite(path, runID, defaultQueue)
}

func openSQLite(path, runID string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if runID == "" {
		return nil, fmt.Errorf("empty run id")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:    db,
		runID: runID,
		ch:    make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			seed INTEGER NOT NULL,
			ticks INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			tuning_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			flush INTEGER NOT NULL,
			injected INTEGER NOT NULL,
			disabled INTEGER NOT NULL,
			keys INTEGER NOT NULL,
			detected INTEGER NOT NULL,
			relayed INTEGER NOT NULL,
			rescued INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			agent TEXT NOT NULL,
			event TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			validated TEXT NOT NULL,
			in_scope INTEGER NOT NULL,
			origin TEXT,
			PRIMARY KEY (run_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_agent_tick ON audits(run_id, agent, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_event ON audits(run_id, event);`,
		`CREATE TABLE IF NOT EXISTS reports (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, name)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, records this run's losses in meta and closes the
// database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()

		err = s.recordLoss(s.Stats())
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (s *SQLiteIndex) recordLoss(st Stats) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range map[string]uint64{
		lossKeyTicks:   st.DropTickTotal,
		lossKeyAudits:  st.DropAuditTotal,
		lossKeyReports: st.DropReportTotal,
		lossKeyFailed:  st.FailedWrites,
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, lossKey(s.runID, k), strconv.FormatUint(v, 10)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const (
	lossKeyTicks   = "dropped_ticks"
	lossKeyAudits  = "dropped_audits"
	lossKeyReports = "dropped_reports"
	lossKeyFailed  = "failed_writes"
)

func lossKey(runID, name string) string { return "loss/" + runID + "/" + name }

func (s *SQLiteIndex) RunID() string { return s.runID }

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		DropTickTotal:   s.dropTick.Load(),
		DropAuditTotal:  s.dropAudit.Load(),
		DropReportTotal: s.dropReport.Load(),
		FailedWrites:    s.failed.Load(),
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
	}
}

// RecordRun stores the run header synchronously.
func (s *SQLiteIndex) RecordRun(ctx context.Context, tune tuning.Tuning) error {
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id,seed,ticks,agents,tuning_digest,tuning_json,started_at) VALUES(?,?,?,?,?,?,?)`,
		s.runID, tune.Seed, tune.Ticks, tune.Population.Total(), hex.EncodeToString(sum[:]), string(b), now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteTick never waits: it runs on the simulation loop.
func (s *SQLiteIndex) WriteTick(sum runner.TickSummary) error {
	if s == nil {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		s.dropTick.Add(1)
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: sum}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

// WriteAudit makes the index an audit.Writer. It is called from the audit
// queue's consumer goroutine, so it waits for queue space instead of
// dropping. Writes after Close are counted as dropped.
func (s *SQLiteIndex) WriteAudit(r audit.Record) error {
	if s == nil {
		return nil
	}
	if !s.send(req{kind: reqAudit, audit: r}) {
		s.dropAudit.Add(1)
	}
	return nil
}

// send enqueues r, waiting for space. It returns false once the index is
// closed.
func (s *SQLiteIndex) send(r req) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return false
	}
	s.ch <- r
	return true
}

// RecordReport stores v as JSON under name, replacing an earlier report.
func (s *SQLiteIndex) RecordReport(name string, v any) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.send(req{kind: reqReport, report: reportRow{Name: name, JSON: b}}) {
		s.dropReport.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,flush,injected,disabled,keys,detected,relayed,rescued,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(run_id,tick,seq,agent,event,key,value,validated,in_scope,origin) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertReport, _ := s.db.Prepare(`INSERT OR REPLACE INTO reports(run_id,name,json,recorded_at) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertAudit, insertReport} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		auditSeq int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	// rollback loses every row of the open transaction.
	rollback := func() {
		if tx == nil {
			return
		}
		s.failed.Add(uint64(opCount))
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			s.failed.Add(1)
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			s.failed.Add(1)
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, s.runID, t.Tick, boolInt(t.Flush), boolInt(t.Injected),
				t.Disabled, t.Keys, t.Detected, t.Relayed, t.Rescued, string(raw))

		case reqAudit:
			// seq follows arrival order across the whole run, so records
			// whose ticks interleave never share a key.
			a := r.audit
			seq := auditSeq
			auditSeq++
			exec(insertAudit, s.runID, a.Tick, seq, a.Agent, string(a.Event), a.Key, a.Value,
				a.Validated.String(), boolInt(a.InScope), a.Origin)

		case reqReport:
			exec(insertReport, s.runID, r.report.Name, string(r.report.JSON),
				time.Now().UTC().Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
