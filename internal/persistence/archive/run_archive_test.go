package archive

import (
	"os"
	"path/filepath"
	"testing"

	"sarswarm.ai/internal/persistence/snapshot"
)

func TestArchiveRun_CopiesTraceAndMeta(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "run-1", "trace.snap.zst")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want := []byte("dummy")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	h := snapshot.Header{Version: 1, RunID: "run-1", Seed: 42, Ticks: 10, Flush: 2, Agents: 3}
	dst, err := ArchiveRun(dir, src, h, 0.98, 0.4)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if filepath.Base(filepath.Dir(dst)) != "seed_42" {
		t.Fatalf("archived under %s", dst)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("archived content mismatch: got=%q want=%q", got, want)
	}

	metas, err := ListArchived(dir, 42)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("metas=%d want 1", len(metas))
	}
	m := metas[0]
	if m.RunID != "run-1" || m.Agents != 3 || m.BisimScore != 0.98 || m.Trace != "run-1.snap.zst" {
		t.Fatalf("unexpected meta: %+v", m)
	}
}

func TestArchiveRun_RequiresRunID(t *testing.T) {
	if _, err := ArchiveRun(t.TempDir(), "missing", snapshot.Header{Seed: 1}, 1, 1); err == nil {
		t.Fatalf("expected error")
	}
}

func TestListArchived_EmptySeed(t *testing.T) {
	metas, err := ListArchived(t.TempDir(), 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("metas=%d want 0", len(metas))
	}
}
