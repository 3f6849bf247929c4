package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/odvcencio/findingmirror/internal/config"
	"github.com/odvcencio/findingmirror/internal/findings"
	"github.com/odvcencio/findingmirror/internal/repository"
	"github.com/odvcencio/findingmirror/internal/storage"
)

const usage = `Usage: findingstore <command> [flags]

Commands:
  inspect  Print branches and entity counts of project stores
  migrate  Bring project stores to the current schema
  verify   Check integrity and schema of project stores
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errNoArchive reports a requested project that has nothing on disk.
var errNoArchive = errors.New("no archive")

// projectCommand produces the report of one archived project.
type projectCommand func(context.Context, *repository.Repository, string) (projectReport, error)

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 1
	}
	var cmd projectCommand
	switch args[0] {
	case "inspect":
		cmd = cmdInspect
	case "migrate":
		cmd = cmdMigrate
	case "verify":
		cmd = cmdVerify
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	projects := fs.String("projects", "", "comma-separated project keys (default: every archived project)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Log, stderr)
	slog.SetDefault(logger)

	ctx := context.Background()
	traceShutdown, err := initTracing(ctx, cfg)
	if err != nil {
		logger.Error("init tracing", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			logger.Error("shutdown tracing", "error", err)
		}
	}()

	// only migrate rewrites archives
	repo, err := openRepository(cfg, logger, args[0] != "migrate")
	if err != nil {
		logger.Error("open repository", "error", err)
		return 1
	}
	keys := config.ParseProjects(*projects)
	if len(keys) == 0 {
		if keys, err = repo.ArchivedProjects(); err != nil {
			logger.Error("list projects", "error", err)
			return 1
		}
	}

	reports := make([]projectReport, 0, len(keys))
	var failed []string
	for _, key := range keys {
		report := projectReport{Project: key}
		err := errNoArchive
		if repo.HasArchive(key) {
			report, err = cmd(ctx, repo, key)
			report.Project = key
		}
		if err != nil {
			report.Error = err.Error()
			failed = append(failed, key)
		}
		reports = append(reports, report)
	}
	cmdErr := writeReports(stdout, reports)
	if len(failed) > 0 {
		cmdErr = errors.Join(cmdErr, fmt.Errorf("%s failed for %s", args[0], strings.Join(failed, ", ")))
	}
	if err := repo.CloseAll(); err != nil {
		logger.Error("close stores", "error", err)
		cmdErr = errors.Join(cmdErr, err)
	}
	if cmdErr != nil {
		logger.Error(args[0]+" failed", "error", cmdErr)
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func openRepository(cfg *config.Config, logger *slog.Logger, readOnly bool) (*repository.Repository, error) {
	busy, err := cfg.BusyTimeout()
	if err != nil {
		return nil, err
	}
	storeOpts := findings.Options{
		Logger:           logger,
		CompressionLevel: cfg.Backup.CompressionLevel,
		BusyTimeout:      busy,
		ReadOnly:         readOnly,
	}
	if cfg.Backup.MirrorDir != "" {
		mirror, err := storage.NewLocalBackend(cfg.Backup.MirrorDir)
		if err != nil {
			return nil, fmt.Errorf("open mirror: %w", err)
		}
		storeOpts.Mirror = mirror
	}
	return repository.New(repository.Options{
		StorageRoot:  cfg.Storage.Root,
		ConnectionID: cfg.Storage.ConnectionID,
		WorkDir:      cfg.Storage.WorkDir,
		Store:        storeOpts,
	}), nil
}

type projectReport struct {
	Project       string                   `json:"project"`
	SchemaVersion int                      `json:"schema_version"`
	Counts        map[string]int           `json:"counts,omitempty"`
	Branches      []findings.BranchSummary `json:"branches,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

func writeReports(w io.Writer, reports []projectReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}

func cmdInspect(ctx context.Context, repo *repository.Repository, key string) (projectReport, error) {
	var report projectReport
	s, err := repo.Get(key)
	if err != nil {
		return report, err
	}
	if err := s.RestoreErr(); err != nil {
		return report, fmt.Errorf("%w: %w", findings.ErrRestoreFailed, err)
	}
	if report.SchemaVersion, err = s.SchemaVersion(ctx); err != nil {
		return report, err
	}
	if report.Counts, err = s.Counts(ctx); err != nil {
		return report, err
	}
	report.Branches, err = s.Branches(ctx)
	return report, err
}

// cmdMigrate relies on Get migrating each store on open; CloseAll then
// archives the migrated schema. An archive that cannot be restored is left
// as it is.
func cmdMigrate(ctx context.Context, repo *repository.Repository, key string) (projectReport, error) {
	var report projectReport
	s, err := repo.Get(key)
	if err != nil {
		return report, err
	}
	if err := s.RestoreErr(); err != nil {
		return report, errors.Join(fmt.Errorf("%w: %w", findings.ErrRestoreFailed, err), repo.Discard(key))
	}
	report.SchemaVersion, err = s.SchemaVersion(ctx)
	return report, err
}

func cmdVerify(ctx context.Context, repo *repository.Repository, key string) (projectReport, error) {
	var report projectReport
	s, err := repo.Get(key)
	if err != nil {
		return report, err
	}
	if err := s.Verify(ctx); err != nil {
		return report, err
	}
	report.SchemaVersion, err = s.SchemaVersion(ctx)
	return report, err
}
