package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sarswarm.ai/internal/persistence/snapshot"
)

type RunArchiveMeta struct {
	RunID      string  `json:"run_id"`
	Seed       int64   `json:"seed"`
	Ticks      int     `json:"ticks"`
	FlushTicks int     `json:"flush_ticks"`
	Agents     int     `json:"agents"`
	Trace      string  `json:"trace"`
	CreatedAt  string  `json:"created_at"`
	BisimScore float64 `json:"bisim_score"`
	P          float64 `json:"p"`
}

// ArchiveRun copies a finished run's trace into `outDir/archives/seed_<seed>/`
// next to a `<run_id>.meta.json` summary, so runs sharing a seed can be
// compared after their run directories are cleaned up.
func ArchiveRun(outDir, tracePath string, h snapshot.Header, bisimScore, p float64) (string, error) {
	if h.RunID == "" {
		return "", fmt.Errorf("archive: header has no run id")
	}
	archiveDir := filepath.Join(outDir, "archives", fmt.Sprintf("seed_%d", h.Seed))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(archiveDir, h.RunID+".snap.zst")
	if err := copyFile(tracePath, dst); err != nil {
		return "", err
	}

	meta := RunArchiveMeta{
		RunID:      h.RunID,
		Seed:       h.Seed,
		Ticks:      h.Ticks,
		FlushTicks: h.Flush,
		Agents:     h.Agents,
		Trace:      filepath.Base(dst),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		BisimScore: bisimScore,
		P:          p,
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(archiveDir, h.RunID+".meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// ListArchived returns the metadata of every run archived under seed, ordered
// by creation time.
func ListArchived(outDir string, seed int64) ([]RunArchiveMeta, error) {
	paths, err := filepath.Glob(filepath.Join(outDir, "archives", fmt.Sprintf("seed_%d", seed), "*.meta.json"))
	if err != nil {
		return nil, err
	}
	var out []RunArchiveMeta
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var m RunArchiveMeta
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
