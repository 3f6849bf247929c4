// Package repository hands out one finding store per remote project of a
// server connection.
package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/findingmirror/internal/backup"
	"github.com/odvcencio/findingmirror/internal/findings"
	"github.com/odvcencio/findingmirror/internal/storage"
	"golang.org/x/sync/errgroup"
)

// maxDirName bounds encoded directory names to what common filesystems accept.
const maxDirName = 255

// closeConcurrency bounds how many stores archive at once in CloseAll.
const closeConcurrency = 4

type Options struct {
	// StorageRoot holds the backups of every connection.
	StorageRoot  string
	ConnectionID string
	// WorkDir receives the working directories of open stores.
	WorkDir string
	Store   findings.Options
}

type Repository struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*findings.Store
}

func New(opts Options) *Repository {
	if opts.Store.Logger == nil {
		opts.Store.Logger = slog.Default()
	}
	return &Repository{
		opts:   opts,
		logger: opts.Store.Logger,
		stores: make(map[string]*findings.Store),
	}
}

// EncodeForFS turns a connection id or project key into a single safe
// directory name. Long names are truncated and suffixed with a hash of the
// full name so distinct keys stay distinct.
func EncodeForFS(name string) string {
	encoded := url.QueryEscape(name)
	if len(encoded) <= maxDirName {
		return encoded
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])
	return encoded[:maxDirName-len(suffix)] + suffix
}

// BackupDir returns where the archive of a project lives.
func (r *Repository) BackupDir(projectKey string) string {
	return filepath.Join(r.opts.StorageRoot, EncodeForFS(r.opts.ConnectionID), "projects", EncodeForFS(projectKey), "issues")
}

// HasArchive reports whether the local archive of a project exists.
func (r *Repository) HasArchive(projectKey string) bool {
	_, err := os.Stat(filepath.Join(r.BackupDir(projectKey), backup.ArchiveName))
	return err == nil
}

func (r *Repository) mirrorPath(projectKey string) string {
	return path.Join(EncodeForFS(r.opts.ConnectionID), "projects", EncodeForFS(projectKey), "issues", backup.ArchiveName)
}

// Get returns the store of a project, opening it on first use.
func (r *Repository) Get(projectKey string) (*findings.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[projectKey]; ok {
		return s, nil
	}
	opts := r.opts.Store
	if opts.Mirror != nil {
		opts.MirrorPath = r.mirrorPath(projectKey)
	}
	s, err := findings.Open(r.BackupDir(projectKey), r.opts.WorkDir, opts)
	if err != nil {
		return nil, fmt.Errorf("open store of project %s: %w", projectKey, err)
	}
	r.logger.Debug("finding store opened", "connection", r.opts.ConnectionID, "project", projectKey)
	r.stores[projectKey] = s
	return s, nil
}

// Projects lists the keys of the open stores.
func (r *Repository) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.stores))
	for k := range r.stores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ArchivedProjects lists the projects of the connection that have an
// archive on disk, sorted. Keys that were truncated by EncodeForFS come back
// in their truncated form.
func (r *Repository) ArchivedProjects() ([]string, error) {
	root, err := storage.NewLocalBackend(r.opts.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	paths, err := root.List(path.Join(EncodeForFS(r.opts.ConnectionID), "projects"))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var keys []string
	for _, p := range paths {
		// <connection>/projects/<project>/issues/backup.tar.gz
		parts := strings.Split(p, "/")
		if len(parts) != 5 || parts[3] != "issues" || parts[4] != backup.ArchiveName {
			continue
		}
		key, err := url.QueryUnescape(parts[2])
		if err != nil {
			key = parts[2]
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Discard releases the store of a project without archiving it. Unknown
// projects are ignored.
func (r *Repository) Discard(projectKey string) error {
	r.mu.Lock()
	s, ok := r.stores[projectKey]
	delete(r.stores, projectKey)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.Discard(); err != nil {
		return fmt.Errorf("discard store of project %s: %w", projectKey, err)
	}
	return nil
}

// CloseAll closes every open store, archiving each one unless the stores
// are read-only. All stores are
// closed even when some fail; the failures are joined.
func (r *Repository) CloseAll() error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[string]*findings.Store)
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(closeConcurrency)
	for key, s := range stores {
		g.Go(func() error {
			if err := s.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close store of project %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
