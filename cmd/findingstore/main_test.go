package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/findingmirror/internal/backup"
	"github.com/odvcencio/findingmirror/internal/config"
	"github.com/odvcencio/findingmirror/internal/findings"
	"github.com/odvcencio/findingmirror/internal/models"
	"github.com/odvcencio/findingmirror/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
)

const testConnection = "https://sonar.example.com"

// seedProjects writes one issue per project into archived stores and
// points the CLI environment at them.
func seedProjects(t *testing.T, keys ...string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "storage")
	work := filepath.Join(t.TempDir(), "work")
	t.Setenv("FINDINGSTORE_STORAGE_ROOT", root)
	t.Setenv("FINDINGSTORE_WORK_DIR", work)
	t.Setenv("FINDINGSTORE_CONNECTION_ID", testConnection)
	t.Setenv("FINDINGSTORE_LOG_FORMAT", "text")

	repo := repository.New(repository.Options{
		StorageRoot:  root,
		ConnectionID: testConnection,
		WorkDir:      work,
		Store:        findings.Options{Registerer: prometheus.NewRegistry()},
	})
	ctx := context.Background()
	for _, key := range keys {
		s, err := repo.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		issue := models.Issue{Key: key + "-1", FilePath: "main.go", Type: models.RuleTypeBug, Location: models.FileLevel{}}
		if err := s.ReplaceAllIssuesOfFile(ctx, "main", "main.go", []models.Issue{issue}); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	if err := repo.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

// archivePath locates the archive of key under the seeded environment.
func archivePath(key string) string {
	repo := repository.New(repository.Options{
		StorageRoot:  os.Getenv("FINDINGSTORE_STORAGE_ROOT"),
		ConnectionID: testConnection,
	})
	return filepath.Join(repo.BackupDir(key), backup.ArchiveName)
}

func runCLI(t *testing.T, args ...string) (int, []projectReport, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	var reports []projectReport
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &reports); err != nil {
			t.Fatalf("decode output %q: %v", stdout.String(), err)
		}
	}
	return code, reports, stderr.String()
}

func TestInspectReportsEveryArchivedProject(t *testing.T) {
	seedProjects(t, "p1", "org:p2")

	code, reports, logs := runCLI(t, "inspect")
	if code != 0 {
		t.Fatalf("inspect exit code = %d, logs:\n%s", code, logs)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %+v, want 2", reports)
	}
	if reports[0].Project != "org:p2" || reports[1].Project != "p1" {
		t.Fatalf("projects = %s, %s", reports[0].Project, reports[1].Project)
	}
	for _, r := range reports {
		if r.SchemaVersion != findings.CurrentSchemaVersion {
			t.Fatalf("%s schema version = %d", r.Project, r.SchemaVersion)
		}
		if len(r.Branches) != 1 || r.Branches[0].Name != "main" || r.Branches[0].Issues != 1 {
			t.Fatalf("%s branches = %+v", r.Project, r.Branches)
		}
		if r.Counts["Issue"] != 1 {
			t.Fatalf("%s counts = %v", r.Project, r.Counts)
		}
	}
}

func TestInspectSelectedProjects(t *testing.T) {
	seedProjects(t, "p1", "p2")

	code, reports, logs := runCLI(t, "inspect", "-projects", " p2 , ")
	if code != 0 {
		t.Fatalf("inspect exit code = %d, logs:\n%s", code, logs)
	}
	if len(reports) != 1 || reports[0].Project != "p2" {
		t.Fatalf("reports = %+v, want only p2", reports)
	}
}

func TestMigrateAndVerify(t *testing.T) {
	seedProjects(t, "p1")

	code, reports, logs := runCLI(t, "migrate")
	if code != 0 {
		t.Fatalf("migrate exit code = %d, logs:\n%s", code, logs)
	}
	if len(reports) != 1 || reports[0].SchemaVersion != findings.CurrentSchemaVersion {
		t.Fatalf("migrate reports = %+v", reports)
	}

	code, reports, logs = runCLI(t, "verify")
	if code != 0 {
		t.Fatalf("verify exit code = %d, logs:\n%s", code, logs)
	}
	if len(reports) != 1 || reports[0].Error != "" {
		t.Fatalf("verify reports = %+v", reports)
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	t.Setenv("FINDINGSTORE_CONNECTION_ID", "")
	tests := []struct {
		name    string
		args    []string
		want    int
		wantErr string
	}{
		{name: "no command", args: nil, want: 1, wantErr: "Usage: findingstore"},
		{name: "unknown command", args: []string{"serve"}, want: 1, wantErr: "unknown command: serve"},
		{name: "unknown flag", args: []string{"inspect", "-bogus"}, want: 2, wantErr: "flag provided but not defined"},
		{name: "missing connection", args: []string{"inspect"}, want: 1, wantErr: "storage.connection_id must be configured"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(tc.args, &stdout, &stderr); got != tc.want {
				t.Fatalf("run(%v) = %d, want %d", tc.args, got, tc.want)
			}
			if !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr = %q, want %q", stderr.String(), tc.wantErr)
			}
		})
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("log output = %q", buf.String())
	}

	buf.Reset()
	newLogger(config.LogConfig{Level: "nonsense", Format: "json"}, &buf).Info("fallback")
	if !strings.Contains(buf.String(), `"msg":"fallback"`) {
		t.Fatalf("json log output = %q", buf.String())
	}
}

func TestCorruptArchiveFailsAndIsKept(t *testing.T) {
	seedProjects(t, "p1", "p2")
	corrupt := []byte("corrupted archive bytes")
	if err := os.WriteFile(archivePath("p1"), corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	for _, command := range []string{"verify", "inspect", "migrate"} {
		t.Run(command, func(t *testing.T) {
			code, reports, logs := runCLI(t, command)
			if code != 1 {
				t.Fatalf("%s exit code = %d, want 1, logs:\n%s", command, code, logs)
			}
			if len(reports) != 2 {
				t.Fatalf("reports = %+v, want 2", reports)
			}
			if !strings.Contains(reports[0].Error, findings.ErrRestoreFailed.Error()) {
				t.Fatalf("p1 error = %q, want a restore failure", reports[0].Error)
			}
			if reports[1].Error != "" {
				t.Fatalf("p2 error = %q, want none", reports[1].Error)
			}
			got, err := os.ReadFile(archivePath("p1"))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, corrupt) {
				t.Fatalf("archive rewritten by %s (%d bytes)", command, len(got))
			}
		})
	}
}

func TestReadOnlyCommandsKeepArchives(t *testing.T) {
	seedProjects(t, "p1")
	before, err := os.ReadFile(archivePath("p1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, command := range []string{"inspect", "verify"} {
		if code, _, logs := runCLI(t, command); code != 0 {
			t.Fatalf("%s exit code = %d, logs:\n%s", command, code, logs)
		}
	}
	after, err := os.ReadFile(archivePath("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("read-only commands rewrote the archive")
	}
}

func TestUnknownProjectIsReportedNotCreated(t *testing.T) {
	seedProjects(t, "p1")

	for _, command := range []string{"inspect", "migrate", "verify"} {
		code, reports, _ := runCLI(t, command, "-projects", "p1,ghost")
		if code != 1 {
			t.Fatalf("%s exit code = %d, want 1", command, code)
		}
		if len(reports) != 2 || reports[0].Error != "" || reports[1].Error != errNoArchive.Error() {
			t.Fatalf("%s reports = %+v", command, reports)
		}
	}
	if _, err := os.Stat(filepath.Dir(archivePath("ghost"))); !os.IsNotExist(err) {
		t.Fatalf("unknown project got a backup dir: %v", err)
	}
}
