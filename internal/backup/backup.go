// Package backup archives a store directory into a single tar.gz file and
// restores it.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/findingmirror/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ArchiveName is the fixed file name of the archive inside the backup dir.
const ArchiveName = "backup.tar.gz"

const tracerName = "github.com/odvcencio/findingmirror/internal/backup"

type Options struct {
	// CompressionLevel is the gzip level; 0 selects the default.
	CompressionLevel int
	Logger           *slog.Logger
	// Registerer receives the backup metrics. nil uses the default registry.
	Registerer prometheus.Registerer
	// Mirror, when set, receives a copy of every saved archive under
	// MirrorPath and serves restores when the local archive is missing.
	Mirror     storage.Backend
	MirrorPath string
}

type Manager struct {
	archive    *storage.LocalBackend
	mirror     storage.Backend
	mirrorPath string
	level      int
	logger     *slog.Logger
	metrics    *metrics
}

func NewManager(backupDir string, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	level := opts.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", level)
	}
	archive, err := storage.NewLocalBackend(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	mirrorPath := opts.MirrorPath
	if mirrorPath == "" {
		mirrorPath = ArchiveName
	}
	return &Manager{
		archive:    archive,
		mirror:     opts.Mirror,
		mirrorPath: mirrorPath,
		level:      level,
		logger:     opts.Logger,
		metrics:    newMetrics(opts.Registerer),
	}, nil
}

// ArchivePath returns the location of the canonical archive.
func (m *Manager) ArchivePath() string {
	return m.archive.Path(ArchiveName)
}

// Exists reports whether the canonical archive is present.
func (m *Manager) Exists() bool {
	_, err := m.archive.Stat(ArchiveName)
	return err == nil
}

// Save archives every regular file below srcDir. The archive is replaced
// atomically; a failed save leaves the previous archive untouched.
func (m *Manager) Save(ctx context.Context, srcDir string) (err error) {
	start := time.Now()
	_, span := otel.Tracer(tracerName).Start(ctx, "backup.Save",
		trace.WithAttributes(attribute.String("backup.path", m.ArchivePath())))
	defer func() {
		m.finish(span, "save", start, err)
	}()

	var files int
	err = m.archive.Write(ArchiveName, func(w io.Writer) error {
		n, err := m.writeArchive(w, srcDir)
		files = n
		return err
	})
	if err != nil {
		return fmt.Errorf("save backup %s: %w", m.ArchivePath(), err)
	}
	span.SetAttributes(attribute.Int("backup.files", files))
	m.logger.Debug("backup written", "path", m.ArchivePath(), "files", files, "took", time.Since(start))

	if m.mirror != nil {
		if err := m.pushMirror(); err != nil {
			m.logger.Warn("unable to mirror backup", "path", m.mirrorPath, "error", err)
		}
	}
	return nil
}

func (m *Manager) writeArchive(w io.Writer, srcDir string) (int, error) {
	gz, err := gzip.NewWriterLevel(w, m.level)
	if err != nil {
		return 0, fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	files := 0
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		return files, fmt.Errorf("archive %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return files, fmt.Errorf("close gzip: %w", err)
	}
	return files, nil
}

func (m *Manager) pushMirror() error {
	rc, err := m.archive.Read(ArchiveName)
	if err != nil {
		return err
	}
	defer rc.Close()
	return m.mirror.Write(m.mirrorPath, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	})
}

func (m *Manager) pullMirror() (bool, error) {
	rc, err := m.mirror.Read(m.mirrorPath)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer rc.Close()
	err = m.archive.Write(ArchiveName, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	})
	return err == nil, err
}

// Restore extracts the archive into destDir. It returns false with a nil
// error when there is no archive to restore. On error destDir may hold a
// partial extraction.
func (m *Manager) Restore(ctx context.Context, destDir string) (restored bool, err error) {
	start := time.Now()
	_, span := otel.Tracer(tracerName).Start(ctx, "backup.Restore",
		trace.WithAttributes(attribute.String("backup.path", m.ArchivePath())))
	defer func() {
		if err == nil && !restored {
			m.metrics.operations.WithLabelValues("restore", "missing").Inc()
			span.End()
			return
		}
		m.finish(span, "restore", start, err)
	}()

	if !m.Exists() {
		if m.mirror == nil {
			return false, nil
		}
		pulled, err := m.pullMirror()
		if err != nil {
			return false, fmt.Errorf("fetch mirrored backup %s: %w", m.mirrorPath, err)
		}
		if !pulled {
			return false, nil
		}
		m.logger.Debug("backup fetched from mirror", "path", m.mirrorPath)
	}

	rc, err := m.archive.Read(ArchiveName)
	if err != nil {
		return false, fmt.Errorf("open backup: %w", err)
	}
	defer rc.Close()

	files, err := extract(rc, destDir)
	if err != nil {
		return false, fmt.Errorf("restore backup %s: %w", m.ArchivePath(), err)
	}
	span.SetAttributes(attribute.Int("backup.files", files))
	m.logger.Debug("backup restored", "path", m.ArchivePath(), "dest", destDir, "files", files)
	return true, nil
}

func extract(r io.Reader, destDir string) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, err
	}

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read tar: %w", err)
		}
		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return files, err
			}
			files++
		}
	}
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(root, clean), nil
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Manager) finish(span trace.Span, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	m.metrics.operations.WithLabelValues(op, result).Inc()
	m.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// PurgeStale removes directories in workDir whose name starts with prefix
// and that were last modified more than olderThan ago. It returns how many
// were removed.
func PurgeStale(workDir, prefix string, olderThan time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(workDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list work dir: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(workDir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			logger.Warn("unable to purge stale work dir", "path", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Debug("purged stale work dirs", "dir", workDir, "count", removed)
	}
	return removed, nil
}
