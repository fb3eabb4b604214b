package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/observerproto"
	"sarswarm.ai/internal/persistence/archive"
	"sarswarm.ai/internal/persistence/indexdb"
	plog "sarswarm.ai/internal/persistence/log"
	"sarswarm.ai/internal/persistence/snapshot"
	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/ontology"
	"sarswarm.ai/internal/sim/runner"
	"sarswarm.ai/internal/sim/tuning"
	"sarswarm.ai/internal/transport/observer"
)

const (
	traceFile = "trace.snap.zst"
	indexFile = "index.db"
)

type runFlags struct {
	config     string
	seed       int64
	ticks      int
	out        string
	observe    string
	sequential bool
	sqlite     bool
	archive    bool
	json       bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and analyse it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tuning.Load(f.config)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("seed") {
				cfg.Seed = f.seed
			}
			if flags.Changed("ticks") {
				cfg.Ticks = f.ticks
			}
			if flags.Changed("out") {
				cfg.Output.Dir = f.out
			}
			if flags.Changed("observe") {
				cfg.Output.ObserverAddr = f.observe
			}
			if flags.Changed("sqlite") {
				cfg.Output.SQLite = f.sqlite
			}
			rep, runDir, err := execute(cmd.Context(), cfg, f.sequential, logger)
			if err != nil {
				return err
			}
			logger.Info("run complete", zap.String("dir", runDir))
			if f.archive {
				h, err := snapshot.ReadHeader(filepath.Join(runDir, traceFile))
				if err != nil {
					return err
				}
				dst, err := archive.ArchiveRun(cfg.Output.Dir, filepath.Join(runDir, traceFile), h, rep.Bisim.Score, rep.Estimate.P)
				if err != nil {
					return fmt.Errorf("archive: %w", err)
				}
				logger.Info("run archived", zap.String("path", dst))
			}
			if f.json {
				return rep.writeJSON(cmd.OutOrStdout())
			}
			rep.writeText(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "configs/run.yaml", "run configuration (.yaml or .toml)")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "override the configured seed")
	cmd.Flags().IntVar(&f.ticks, "ticks", 0, "override the configured tick count")
	cmd.Flags().StringVar(&f.out, "out", "", "override the output directory")
	cmd.Flags().StringVar(&f.observe, "observe", "", "serve the observer stream on this loopback address")
	cmd.Flags().BoolVar(&f.sequential, "sequential", false, "step agents one at a time for seed-exact replays")
	cmd.Flags().BoolVar(&f.sqlite, "sqlite", false, "index the run into index.db")
	cmd.Flags().BoolVar(&f.archive, "archive", false, "copy the trace into <out>/archives/seed_<seed>")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the report as JSON")
	return cmd
}

// execute runs cfg end to end: simulation, audit log, trace, index and report.
func execute(ctx context.Context, cfg tuning.Tuning, sequential bool, log *zap.Logger) (report, string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return report{}, "", err
	}

	schema := ontology.Default()
	if cfg.Ontology != "" {
		s, err := ontology.Load(cfg.Ontology)
		if err != nil {
			return report{}, "", err
		}
		schema = s
	}

	runID := uuid.NewString()
	runDir := filepath.Join(cfg.Output.Dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return report{}, "", err
	}
	log = log.With(zap.String("run_id", runID))
	rotate := time.Duration(cfg.Output.RotateHours) * time.Hour

	auditLog := plog.NewAuditLogger(runDir, rotate)
	defer auditLog.Close()
	writers := []audit.Writer{auditLog}

	var idx *indexdb.SQLiteIndex
	if cfg.Output.SQLite {
		var err error
		idx, err = indexdb.OpenSQLite(filepath.Join(runDir, indexFile), runID)
		if err != nil {
			return report{}, "", err
		}
		defer func() {
			if err := idx.Close(); err != nil {
				log.Warn("close index", zap.Error(err))
			}
			st := idx.Stats()
			fields := []zap.Field{
				zap.Uint64("dropped_audits", st.DropAuditTotal),
				zap.Uint64("dropped_ticks", st.DropTickTotal),
				zap.Uint64("dropped_reports", st.DropReportTotal),
				zap.Uint64("failed_writes", st.FailedWrites),
			}
			if st.Lossless() {
				log.Info("index closed", fields...)
			} else {
				log.Warn("index closed with losses", fields...)
			}
		}()
		if err := idx.RecordRun(ctx, cfg); err != nil {
			return report{}, "", err
		}
		writers = append(writers, idx)
	}

	queue := audit.NewQueue(cfg.Output.AuditQueue, writers...)
	defer queue.Close()

	ticks := plog.NewTickLogger(runDir, rotate)
	defer ticks.Close()

	var hub *observer.Hub
	var r *runner.Runner
	onTick := func(sum runner.TickSummary) {
		if err := ticks.WriteTick(sum); err != nil {
			log.Warn("tick log", zap.Int("tick", sum.Tick), zap.Error(err))
		}
		if idx != nil {
			_ = idx.WriteTick(sum)
		}
		if hub != nil {
			hub.Publish(observer.TickMessage(sum, r.Roster()))
		}
	}

	r, err := runner.New(runner.Options{
		Tuning:     cfg,
		Schema:     schema,
		Sink:       queue,
		Logger:     log,
		Sequential: sequential,
		OnTick:     onTick,
	})
	if err != nil {
		return report{}, "", err
	}

	if cfg.Output.ObserverAddr != "" {
		hub = observer.NewHub()
		stop, err := serveObserver(cfg, runID, r.Grid().Zones(), r.Roster(), hub, log)
		if err != nil {
			return report{}, "", err
		}
		defer stop()
	}

	log.Info("run starting",
		zap.Int("agents", cfg.Population.Total()),
		zap.Int("ticks", cfg.Ticks),
		zap.Int64("seed", cfg.Seed),
		zap.String("dir", runDir))
	res, err := r.Run(ctx)
	if err != nil {
		return report{}, "", err
	}

	if err := queue.Close(); err != nil {
		log.Warn("audit queue close", zap.Error(err))
	}
	qs := queue.Stats()
	log.Info("audit drained",
		zap.Uint64("written", qs.Written),
		zap.Uint64("dropped", qs.Dropped),
		zap.Uint64("write_errors", qs.WriteErrors))
	if err := auditLog.Close(); err != nil {
		return report{}, "", fmt.Errorf("close audit log: %w", err)
	}
	if err := ticks.Close(); err != nil {
		return report{}, "", fmt.Errorf("close tick log: %w", err)
	}

	if err := snapshot.WriteTrace(filepath.Join(runDir, traceFile), snapshot.FromResult(runID, cfg, res)); err != nil {
		return report{}, "", fmt.Errorf("write trace: %w", err)
	}

	records, err := plog.ReadAudit(runDir)
	if err != nil {
		return report{}, "", fmt.Errorf("read audit: %w", err)
	}
	rep := buildReport(runID, cfg.Analysis, schema, res, records)
	if idx != nil {
		_ = idx.RecordReport("bisimulation", rep.Bisim)
		_ = idx.RecordReport("convergence", rep.Estimate)
		_ = idx.RecordReport("summary", rep)
	}
	return rep, runDir, nil
}

// serveObserver exposes the hub on cfg.Output.ObserverAddr until the returned
// stop func is called.
func serveObserver(cfg tuning.Tuning, runID string, zones []string, roster []agents.Agent, hub *observer.Hub, log *zap.Logger) (func(), error) {
	ids := make([]string, 0, len(roster))
	for _, a := range roster {
		ids = append(ids, a.ID())
	}
	srv := observer.NewServer(hub, func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{
			RunID: runID,
			Params: observerproto.RunParams{
				Width:      cfg.World.Width,
				Height:     cfg.World.Height,
				Ticks:      cfg.Ticks,
				FlushTicks: cfg.FlushTicks,
				Seed:       cfg.Seed,
				CommProb:   cfg.CommProb,
				FanOut:     cfg.FanOut,
			},
			Zones:  zones,
			Agents: ids,
		}
	}, log)

	ln, err := net.Listen("tcp", cfg.Output.ObserverAddr)
	if err != nil {
		return nil, fmt.Errorf("observer listen: %w", err)
	}
	httpSrv := &http.Server{Handler: srv.Mux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("observer server", zap.Error(err))
		}
	}()
	log.Info("observer listening", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}, nil
}
