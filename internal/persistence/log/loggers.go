package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/runner"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed files, starting a new
// file every rotation period.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	every   time.Duration
	now     func() time.Time

	mu     sync.Mutex
	curKey string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

// NewJSONLZstdWriter rotates hourly. Use WithRotation to change that.
func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		every:   time.Hour,
		now:     time.Now,
	}
}

// WithRotation sets the rotation period; values below one hour are raised
// to one hour.
func (w *JSONLZstdWriter) WithRotation(every time.Duration) *JSONLZstdWriter {
	if every < time.Hour {
		every = time.Hour
	}
	w.every = every
	return w
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := w.now().UTC().Truncate(w.every).Format("2006-01-02-15")
	if key != w.curKey {
		if err := w.rotateLocked(key); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines into the current zstd frame.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(key string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathFor(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curKey = key
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		err1 = w.w.Flush()
	}
	if w.enc != nil {
		if err := w.enc.Close(); err1 == nil {
			err1 = err
		}
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Close(); err1 == nil {
			err1 = err
		}
		w.f = nil
	}
	w.w = nil
	w.curKey = ""
	return err1
}

func (w *JSONLZstdWriter) pathFor(key string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, key))
}

// TickLogger writes one JSONL entry per tick summary (compressed).
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(runDir string, rotate time.Duration) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "ticks"), "ticks").WithRotation(rotate)}
}

func (l *TickLogger) WriteTick(v runner.TickSummary) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                         { return l.w.Close() }

// AuditLogger writes audit records as JSONL (compressed). It is an
// audit.Writer.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(runDir string, rotate time.Duration) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "audit"), "audit").WithRotation(rotate)}
}

func (l *AuditLogger) WriteAudit(r audit.Record) error { return l.w.Write(r) }
func (l *AuditLogger) Close() error                    { return l.w.Close() }

// ReadAudit loads every record under runDir/audit in file order.
func ReadAudit(runDir string) ([]audit.Record, error) {
	var out []audit.Record
	err := readJSONL(filepath.Join(runDir, "audit"), "audit", func(dec *json.Decoder) error {
		var r audit.Record
		if err := dec.Decode(&r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// ReadTicks loads every tick summary under runDir/ticks.
func ReadTicks(runDir string) ([]runner.TickSummary, error) {
	var out []runner.TickSummary
	err := readJSONL(filepath.Join(runDir, "ticks"), "ticks", func(dec *json.Decoder) error {
		var s runner.TickSummary
		if err := dec.Decode(&s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func readJSONL(dir, prefix string, next func(*json.Decoder) error) error {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, path := range files {
		if err := readFile(path, next); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func readFile(path string, next func(*json.Decoder) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	for {
		err := next(dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
