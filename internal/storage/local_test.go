package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalBackendWriteReadStat(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}

	err = b.Write("conn/projects/p1/backup.tar.gz", func(w io.Writer) error {
		_, err := io.WriteString(w, "archive-bytes")
		return err
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rc, err := b.Read("conn/projects/p1/backup.tar.gz")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "archive-bytes" {
		t.Fatalf("Read = %q, want %q", data, "archive-bytes")
	}

	info, err := b.Stat("conn/projects/p1/backup.tar.gz")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len("archive-bytes")) {
		t.Fatalf("Size = %d, want %d", info.Size, len("archive-bytes"))
	}

	paths, err := b.List("conn")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 1 || paths[0] != "conn/projects/p1/backup.tar.gz" {
		t.Fatalf("List = %v", paths)
	}
}

func TestLocalBackendFailedWriteKeepsPrevious(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocalBackend(root)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	write := func(s string) error {
		return b.Write("backup.tar.gz", func(w io.Writer) error {
			_, err := io.WriteString(w, s)
			return err
		})
	}
	if err := write("first"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	boom := errors.New("boom")
	err = b.Write("backup.tar.gz", func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Write error = %v, want boom", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "backup.tar.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Fatalf("archive = %q, want %q", data, "first")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
}

func TestLocalBackendMissingObject(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	if _, err := b.Read("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read error = %v, want ErrNotFound", err)
	}
	if _, err := b.Stat("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat error = %v, want ErrNotFound", err)
	}
	if err := b.Delete("nope"); err != nil {
		t.Fatalf("Delete missing = %v, want nil", err)
	}
}
