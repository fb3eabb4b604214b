package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/runner"
	"sarswarm.ai/internal/sim/tuning"
)

const Version = 1

// ErrVersion is returned when a trace file was written by another format
// version.
var ErrVersion = errors.New("unsupported trace version")

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Seed    int64  `json:"seed"`
	Ticks   int    `json:"ticks"`
	Flush   int    `json:"flush_ticks"`
	Agents  int    `json:"agents"`
}

type InjectionV1 struct {
	Tick     int    `json:"tick"`
	Agent    string `json:"agent"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Accepted bool   `json:"accepted"`
}

// TraceV1 is a completed run: the two snapshot sequences, the canonical
// store, the access map and the inputs needed to re-analyse it offline.
type TraceV1 struct {
	Header Header `json:"header"`

	Tuning    tuning.Tuning `json:"tuning"`
	Ticks     []int         `json:"ticks"`
	FlushFrom int           `json:"flush_from"`

	Local     map[string][]map[string]string `json:"local"`
	Global    map[string][]map[string]string `json:"global"`
	Canonical map[string]string              `json:"canonical"`
	Access    map[string][]string            `json:"access"`

	Proposals  map[string][]agents.Proposal `json:"proposals,omitempty"`
	Injections []InjectionV1                `json:"injections,omitempty"`
	Disabled   map[string]int               `json:"disabled,omitempty"`
}

// FromResult packs a finished run.
func FromResult(runID string, tune tuning.Tuning, res *runner.Result) TraceV1 {
	t := TraceV1{
		Header: Header{
			Version: Version,
			RunID:   runID,
			Seed:    tune.Seed,
			Ticks:   tune.Ticks,
			Flush:   tune.FlushTicks,
			Agents:  len(res.Access),
		},
		Tuning:    tune,
		Ticks:     res.Ticks,
		FlushFrom: res.FlushFrom,
		Local:     res.Local,
		Global:    res.Global,
		Canonical: res.Canonical,
		Access:    res.Access,
		Proposals: res.Proposals,
		Disabled:  res.Disabled,
	}
	for _, in := range res.Injections {
		t.Injections = append(t.Injections, InjectionV1(in))
	}
	return t
}

// Result unpacks t for the analysis layer.
func (t TraceV1) Result() *runner.Result {
	res := &runner.Result{
		Ticks:     t.Ticks,
		FlushFrom: t.FlushFrom,
		Local:     t.Local,
		Global:    t.Global,
		Canonical: t.Canonical,
		Access:    t.Access,
		Proposals: t.Proposals,
		Disabled:  t.Disabled,
	}
	for _, in := range t.Injections {
		res.Injections = append(res.Injections, runner.Injection(in))
	}
	return res
}

// WriteTrace stores t as a JSON header line followed by a gob body, all
// zstd-compressed.
func WriteTrace(path string, t TraceV1) (err error) {
	if t.Header.Version == 0 {
		t.Header.Version = Version
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(t.Header)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&t); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	err := open(path, func(br *bufio.Reader) error {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		return json.Unmarshal(line, &h)
	})
	if err != nil {
		return h, err
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

func ReadTrace(path string) (TraceV1, error) {
	var t TraceV1
	err := open(path, func(br *bufio.Reader) error {
		// The gob body repeats the header.
		if _, err := br.ReadBytes('\n'); err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		if err := gob.NewDecoder(br).Decode(&t); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if t.Header.Version != Version {
		return t, fmt.Errorf("%w: %d", ErrVersion, t.Header.Version)
	}
	return t, nil
}

func open(path string, fn func(*bufio.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	return fn(bufio.NewReaderSize(dec, 256*1024))
}
