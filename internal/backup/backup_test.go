package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/findingmirror/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestManager(t *testing.T, backupDir string, opts Options) (*Manager, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	m, err := NewManager(backupDir, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, reg
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"entities.db":      "database bytes",
		"nested/extra.log": "log line",
	})

	m, _ := newTestManager(t, t.TempDir(), Options{})
	if err := m.Save(ctx, src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !m.Exists() {
		t.Fatalf("archive missing after Save")
	}

	dest := filepath.Join(t.TempDir(), "restored")
	restored, err := m.Restore(ctx, dest)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored {
		t.Fatalf("Restore reported nothing restored")
	}
	for name, want := range map[string]string{
		"entities.db":      "database bytes",
		"nested/extra.log": "log line",
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestRestoreWithoutArchive(t *testing.T) {
	m, reg := newTestManager(t, t.TempDir(), Options{})
	restored, err := m.Restore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored {
		t.Fatalf("Restore reported a restore without an archive")
	}
	if got := testutil.ToFloat64(m.metrics.operations.WithLabelValues("restore", "missing")); got != 1 {
		t.Fatalf("missing restores = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg, "findingmirror_backup_operations_total"); err != nil || n != 1 {
		t.Fatalf("GatherAndCount = %d, %v", n, err)
	}
}

func TestRestoreCorruptedArchive(t *testing.T) {
	backupDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(backupDir, ArchiveName), []byte("this is not gzip"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestManager(t, backupDir, Options{})
	restored, err := m.Restore(context.Background(), t.TempDir())
	if err == nil {
		t.Fatalf("Restore succeeded on a corrupted archive")
	}
	if restored {
		t.Fatalf("Restore reported success on a corrupted archive")
	}
	if got := testutil.ToFloat64(m.metrics.operations.WithLabelValues("restore", "error")); got != 1 {
		t.Fatalf("failed restores = %v, want 1", got)
	}
}

func TestRestoreRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	payload := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write(payload)
	tw.Close()
	gz.Close()

	backupDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(backupDir, ArchiveName), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestManager(t, backupDir, Options{})
	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	if _, err := m.Restore(context.Background(), dest); err == nil {
		t.Fatalf("Restore accepted an escaping entry")
	}
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("escaping entry was written outside the destination")
	}
}

func TestSaveReplacesArchive(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	backupDir := t.TempDir()
	m, reg := newTestManager(t, backupDir, Options{CompressionLevel: gzip.BestSpeed})

	writeTree(t, src, map[string]string{"entities.db": "v1"})
	if err := m.Save(ctx, src); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	writeTree(t, src, map[string]string{"entities.db": "v2"})
	if err := m.Save(ctx, src); err != nil {
		t.Fatalf("Save v2: %v", err)
	}

	dest := t.TempDir()
	if _, err := m.Restore(ctx, dest); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "entities.db"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Fatalf("restored content = %q, want v2", got)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != ArchiveName {
		t.Fatalf("backup dir holds %d entries, want only %s", len(entries), ArchiveName)
	}
	if got := testutil.ToFloat64(m.metrics.operations.WithLabelValues("save", "success")); got != 2 {
		t.Fatalf("successful saves = %v, want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg, "findingmirror_backup_duration_seconds"); err != nil || n != 2 {
		t.Fatalf("duration series = %d, %v; want 2", n, err)
	}
}

func TestMirrorServesRestore(t *testing.T) {
	ctx := context.Background()
	mirror, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	writeTree(t, src, map[string]string{"entities.db": "mirrored"})

	first, _ := newTestManager(t, t.TempDir(), Options{Mirror: mirror, MirrorPath: "conn/p1/backup.tar.gz"})
	if err := first.Save(ctx, src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := mirror.Stat("conn/p1/backup.tar.gz"); err != nil {
		t.Fatalf("mirror copy missing: %v", err)
	}

	// a fresh backup dir with no local archive falls back to the mirror
	second, _ := newTestManager(t, t.TempDir(), Options{Mirror: mirror, MirrorPath: "conn/p1/backup.tar.gz"})
	dest := t.TempDir()
	restored, err := second.Restore(ctx, dest)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored {
		t.Fatalf("Restore did not use the mirror")
	}
	got, err := os.ReadFile(filepath.Join(dest, "entities.db"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "mirrored" {
		t.Fatalf("restored content = %q, want mirrored", got)
	}
	if !second.Exists() {
		t.Fatalf("mirror fetch did not populate the local archive")
	}
}

func TestInvalidCompressionLevel(t *testing.T) {
	if _, err := NewManager(t.TempDir(), Options{CompressionLevel: 42, Registerer: prometheus.NewRegistry()}); err == nil {
		t.Fatalf("NewManager accepted compression level 42")
	}
}

func TestPurgeStale(t *testing.T) {
	work := t.TempDir()
	old := filepath.Join(work, "finding-store-old")
	fresh := filepath.Join(work, "finding-store-fresh")
	other := filepath.Join(work, "unrelated-old")
	for _, d := range []string{old, fresh, other} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-96 * time.Hour)
	for _, d := range []string{old, other} {
		if err := os.Chtimes(d, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := PurgeStale(work, "finding-store", 72*time.Hour, nil)
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old work dir still present")
	}
	for _, d := range []string{fresh, other} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("%s was removed: %v", d, err)
		}
	}
}
