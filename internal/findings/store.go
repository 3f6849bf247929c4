// Package findings stores the server findings of one remote project:
// issues, taint vulnerabilities, security hotspots and dependency risks,
// grouped by branch and file, with the sync metadata of each branch.
//
// A Store lives in a private working directory restored from the last
// backup on Open and archived back on Close.
package findings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/odvcencio/findingmirror/internal/backup"
	"github.com/odvcencio/findingmirror/internal/entitystore"
	"github.com/odvcencio/findingmirror/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/findingmirror/internal/findings"

// WorkDirPrefix names the per-instance directories created under the work dir.
const WorkDirPrefix = "finding-store"

// StaleWorkDirAge is how old a leftover working directory must be before
// Open purges it.
const StaleWorkDirAge = 3 * 24 * time.Hour

type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// CompressionLevel is the gzip level of the backup archive; 0 selects
	// the default.
	CompressionLevel int
	BusyTimeout      time.Duration
	// Mirror and MirrorPath are passed to the backup manager.
	Mirror     storage.Backend
	MirrorPath string
	// ReadOnly stores are released on Close without being archived.
	ReadOnly bool
}

type Store struct {
	engine   *entitystore.Store
	backups  *backup.Manager
	instance string
	logger   *slog.Logger
	metrics  *metrics
	readOnly bool

	// restoreErr is why an existing archive was discarded on Open.
	restoreErr error

	// restoredVersion is the schema marker of the archive before migration.
	restored        bool
	restoredVersion int

	closeMu sync.Mutex
	closed  bool
}

// Open creates a store in a fresh directory under workDir, restoring the
// archive found in backupDir if there is one. An unreadable archive is
// logged and the store starts empty.
func Open(backupDir, workDir string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	ctx := context.Background()

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, storageError("open", fmt.Errorf("create work dir: %w", err))
	}
	if _, err := backup.PurgeStale(workDir, WorkDirPrefix, StaleWorkDirAge, logger); err != nil {
		logger.Warn("unable to purge stale work dirs", "dir", workDir, "error", err)
	}
	backups, err := backup.NewManager(backupDir, backup.Options{
		CompressionLevel: opts.CompressionLevel,
		Logger:           logger,
		Registerer:       opts.Registerer,
		Mirror:           opts.Mirror,
		MirrorPath:       opts.MirrorPath,
	})
	if err != nil {
		return nil, storageError("open", err)
	}
	instance, err := os.MkdirTemp(workDir, WorkDirPrefix+"-*")
	if err != nil {
		return nil, storageError("open", fmt.Errorf("create instance dir: %w", err))
	}

	s := &Store{
		backups:  backups,
		instance: instance,
		logger:   logger,
		metrics:  newMetrics(opts.Registerer),
		readOnly: opts.ReadOnly,
	}
	engineOpts := entitystore.Options{Logger: logger, BusyTimeout: opts.BusyTimeout}
	s.engine, err = s.openEngine(ctx, engineOpts)
	if err != nil {
		os.RemoveAll(instance)
		return nil, storageError("open", err)
	}
	if s.restored {
		err = s.engine.View(ctx, func(txn *entitystore.Txn) error {
			var err error
			s.restoredVersion, err = currentVersion(txn)
			return err
		})
		if err != nil {
			s.engine.Close()
			os.RemoveAll(instance)
			return nil, storageError("open", err)
		}
	}
	if err := migrate(ctx, s.engine, logger); err != nil {
		s.engine.Close()
		os.RemoveAll(instance)
		return nil, storageError("migrate", err)
	}
	return s, nil
}

func (s *Store) dbDir() string {
	return filepath.Join(s.instance, "db")
}

func (s *Store) openEngine(ctx context.Context, opts entitystore.Options) (*entitystore.Store, error) {
	dir := s.dbDir()
	if s.backups.Exists() {
		s.logger.Debug("Restoring previous server issue database from " + s.backups.ArchivePath())
	}
	restored, err := s.backups.Restore(ctx, dir)
	if err != nil {
		s.logger.Error("Unable to restore backup "+s.backups.ArchivePath(), "error", err)
		s.restoreErr = err
		os.RemoveAll(dir)
		restored = false
	}

	engine, err := entitystore.Open(dir, opts)
	if err == nil && restored {
		if err = engine.IntegrityCheck(ctx); err != nil {
			engine.Close()
		}
	}
	if err == nil {
		s.restored = restored
		return engine, nil
	}
	if !restored {
		return nil, err
	}
	s.logger.Error("Unable to restore backup "+s.backups.ArchivePath(), "error", err)
	s.restoreErr = err
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("discard restored database: %w", err)
	}
	return entitystore.Open(dir, opts)
}

// WorkDir returns the private working directory of this instance.
func (s *Store) WorkDir() string { return s.instance }

// Backup archives the current committed state without closing the store.
func (s *Store) Backup(ctx context.Context) error {
	return s.observe(ctx, "backup", func(ctx context.Context) error {
		snapDir := filepath.Join(s.instance, "snapshot")
		defer os.RemoveAll(snapDir)
		if err := s.engine.Snapshot(ctx, filepath.Join(snapDir, entitystore.DBFileName)); err != nil {
			return err
		}
		return s.backups.Save(ctx, snapDir)
	})
}

var (
	// ErrSchemaOutdated is returned by Verify when the archive or the schema
	// marker is behind CurrentSchemaVersion.
	ErrSchemaOutdated = errors.New("schema version outdated")
	// ErrRestoreFailed is returned by Verify when the archive found on Open
	// could not be restored and the store started empty.
	ErrRestoreFailed = errors.New("backup could not be restored")
)

// RestoreErr returns why the archive found on Open was discarded, or nil.
func (s *Store) RestoreErr() error { return s.restoreErr }

// Verify checks that the archive was restored at the current schema and
// that the database is intact.
func (s *Store) Verify(ctx context.Context) error {
	return s.observe(ctx, "verify", func(ctx context.Context) error {
		if s.restoreErr != nil {
			return fmt.Errorf("%w: %w", ErrRestoreFailed, s.restoreErr)
		}
		if s.restored && s.restoredVersion < CurrentSchemaVersion {
			return fmt.Errorf("%w: archived at %d, want %d", ErrSchemaOutdated, s.restoredVersion, CurrentSchemaVersion)
		}
		if err := s.engine.IntegrityCheck(ctx); err != nil {
			return err
		}
		return s.view(ctx, func(txn *entitystore.Txn) error {
			version, err := currentVersion(txn)
			if err != nil {
				return err
			}
			if version != CurrentSchemaVersion {
				return fmt.Errorf("%w: %d, want %d", ErrSchemaOutdated, version, CurrentSchemaVersion)
			}
			return nil
		})
	})
}

// Counts returns the number of stored entities per entity type.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	var counts map[string]int
	err := s.observe(ctx, "counts", func(ctx context.Context) error {
		var err error
		counts, err = s.engine.Counts(ctx)
		return err
	})
	return counts, err
}

// Close archives the store, releases the engine and removes the working
// directory. A failed backup is logged and does not prevent the rest.
// ReadOnly stores skip the archive.
func (s *Store) Close() error {
	return s.close(!s.readOnly)
}

// Discard releases the store like Close but leaves the archive untouched.
func (s *Store) Discard() error {
	return s.close(false)
}

func (s *Store) close(archive bool) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if archive {
		if err := s.Backup(context.Background()); err != nil {
			s.logger.Error("Unable to backup server issue database", "error", err)
		}
	}
	var errs []error
	if err := s.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(s.instance); err != nil {
		errs = append(errs, fmt.Errorf("remove work dir: %w", err))
	}
	return storageError("close", errors.Join(errs...))
}

// observe runs fn inside a span and records its latency and outcome.
func (s *Store) observe(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) (err error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "findings."+op, trace.WithAttributes(attrs...))
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		s.metrics.operations.WithLabelValues(op, result).Inc()
		s.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	return storageError(op, fn(ctx))
}

// timed is observe for writes, logging msg with the elapsed time.
func (s *Store) timed(ctx context.Context, op, msg string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	start := time.Now()
	err := s.observe(ctx, op, fn, attrs...)
	if err == nil {
		s.logger.Debug(fmt.Sprintf("%s | took %dms", msg, time.Since(start).Milliseconds()))
	}
	return err
}

func (s *Store) update(ctx context.Context, fn func(*entitystore.Txn) error) error {
	return s.engine.Update(ctx, fn)
}

func (s *Store) view(ctx context.Context, fn func(*entitystore.Txn) error) error {
	return s.engine.View(ctx, fn)
}

func wroteMessage(n int, label string) string {
	return fmt.Sprintf("Wrote %d %s in store", n, label)
}

func mergedMessage(merged, closed int, label string) string {
	return fmt.Sprintf("Merged %d %s in store. Closed %d.", merged, label, closed)
}

func branchAttr(branch string) attribute.KeyValue {
	return attribute.String("findings.branch", branch)
}

func findOne(txn *entitystore.Txn, typ, property string, value any) (*entitystore.Entity, error) {
	found, err := txn.Find(typ, property, value)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func findBranch(txn *entitystore.Txn, name string) (*entitystore.Entity, error) {
	return findOne(txn, branchEntity, branchName, name)
}

func getOrCreateBranch(txn *entitystore.Txn, name string) (*entitystore.Entity, error) {
	branch, err := findBranch(txn, name)
	if err != nil || branch != nil {
		return branch, err
	}
	branch = txn.NewEntity(branchEntity)
	branch.SetProperty(branchName, name)
	return branch, txn.Err()
}

func findFile(txn *entitystore.Txn, branch *entitystore.Entity, path string) (*entitystore.Entity, error) {
	candidates, err := txn.Find(fileEntity, filePath, path)
	if err != nil {
		return nil, err
	}
	for _, f := range candidates {
		ok, err := branch.HasLink(branchFiles, f)
		if err != nil {
			return nil, err
		}
		if ok {
			return f, nil
		}
	}
	return nil, nil
}

func getOrCreateFile(txn *entitystore.Txn, branch *entitystore.Entity, path string) (*entitystore.Entity, error) {
	file, err := findFile(txn, branch, path)
	if err != nil || file != nil {
		return file, err
	}
	file = txn.NewEntity(fileEntity)
	file.SetProperty(filePath, path)
	branch.AddLink(branchFiles, file)
	return file, txn.Err()
}

// fileOf resolves branch and file for a read. Both are nil when unknown.
func fileOf(txn *entitystore.Txn, branchName, path string) (*entitystore.Entity, error) {
	branch, err := findBranch(txn, branchName)
	if err != nil || branch == nil {
		return nil, err
	}
	return findFile(txn, branch, path)
}

// upsert finds the finding of kind with key or creates it, and attaches it
// to file. A finding previously attached to another file is detached from
// it first.
func upsert(txn *entitystore.Txn, kind findingKind, file *entitystore.Entity, key string) (*entitystore.Entity, error) {
	e, err := findOne(txn, kind.entity, propKey, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = txn.NewEntity(kind.entity)
	} else {
		old, err := e.Link(linkFile)
		if err != nil {
			return nil, err
		}
		if old != nil && !old.Equal(file) {
			old.DeleteLink(kind.fileLink, e)
		}
	}
	e.SetLink(linkFile, file)
	file.AddLink(kind.fileLink, e)
	e.SetProperty(propKey, key)
	return e, txn.Err()
}

// deleteAllOfFile removes every finding of kind attached to file.
func deleteAllOfFile(file *entitystore.Entity, kind findingKind) error {
	findings, err := file.Links(kind.fileLink)
	if err != nil {
		return err
	}
	for _, f := range findings {
		f.Delete()
	}
	file.DeleteLinks(kind.fileLink)
	return nil
}

// removeByKey deletes the finding of kind with key and returns it, or nil
// when there is none.
func removeByKey(txn *entitystore.Txn, kind findingKind, key string) (*entitystore.Entity, error) {
	e, err := findOne(txn, kind.entity, propKey, key)
	if err != nil || e == nil {
		return nil, err
	}
	e.Delete()
	return e, txn.Err()
}

// groupByPath groups items by file path keeping first-seen order.
func groupByPath[T any](items []T, path func(*T) string) ([]string, map[string][]*T) {
	var order []string
	groups := make(map[string][]*T)
	for i := range items {
		p := path(&items[i])
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], &items[i])
	}
	return order, groups
}

// pruneFiles clears kind from every file of branch whose path fails keep.
// The files themselves stay, possibly empty.
func pruneFiles(branch *entitystore.Entity, kind findingKind, keep func(path string) bool) error {
	files, err := branch.Links(branchFiles)
	if err != nil {
		return err
	}
	for _, f := range files {
		v, err := f.Property(filePath)
		if err != nil {
			return err
		}
		path, _ := v.(string)
		if keep(path) {
			continue
		}
		if err := deleteAllOfFile(f, kind); err != nil {
			return err
		}
	}
	return nil
}
