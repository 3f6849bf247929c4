package findings

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/findingmirror/internal/entitystore"
)

func openEngine(t *testing.T) *entitystore.Store {
	t.Helper()
	engine, err := entitystore.Open(filepath.Join(t.TempDir(), "db"), entitystore.Options{})
	if err != nil {
		t.Fatalf("entitystore.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

// seedLegacy writes a branch with a recent taint sync and one taint issue
// without an id, the way version 0 stores looked.
func seedLegacy(t *testing.T, engine *entitystore.Store, markers ...int) {
	t.Helper()
	err := engine.Update(context.Background(), func(txn *entitystore.Txn) error {
		b := txn.NewEntity(branchEntity)
		b.SetProperty(branchName, "main")
		b.SetProperty(lastTaintSync, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		taint := txn.NewEntity(taintEntity)
		taint.SetProperty(propKey, "t1")
		b.AddLink(branchTaintIssues, taint)
		taint.SetLink(linkBranch, b)
		for _, v := range markers {
			m := txn.NewEntity(schemaEntity)
			m.SetProperty(schemaVersion, v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

type migrated struct {
	version   int
	markers   int
	taintSync time.Time
	taintID   string
}

func inspect(t *testing.T, engine *entitystore.Store) migrated {
	t.Helper()
	var m migrated
	err := engine.View(context.Background(), func(txn *entitystore.Txn) error {
		var err error
		if m.version, err = currentVersion(txn); err != nil {
			return err
		}
		markers, err := txn.GetAll(schemaEntity)
		if err != nil {
			return err
		}
		m.markers = len(markers)
		b, err := findBranch(txn, "main")
		if err != nil || b == nil {
			return err
		}
		p, err := b.Properties()
		if err != nil {
			return err
		}
		m.taintSync, _ = p.Time(lastTaintSync)
		taint, err := findOne(txn, taintEntity, propKey, "t1")
		if err != nil || taint == nil {
			return err
		}
		v, err := taint.Property(propID)
		m.taintID = stringOf(v)
		return err
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	return m
}

func TestMigrateFromVersionZero(t *testing.T) {
	tests := []struct {
		name    string
		markers []int
	}{
		{"no marker", nil},
		{"duplicate markers", []int{2, 2}},
		{"version 0 marker", []int{0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := openEngine(t)
			seedLegacy(t, engine, tc.markers...)

			if err := migrate(context.Background(), engine, slog.Default()); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			got := inspect(t, engine)
			if got.version != CurrentSchemaVersion || got.markers != 1 {
				t.Fatalf("version = %d with %d markers, want %d with 1", got.version, got.markers, CurrentSchemaVersion)
			}
			if !got.taintSync.Equal(time.Unix(0, 0)) {
				t.Fatalf("lastTaintSync = %v, want the epoch", got.taintSync)
			}
			if _, err := uuid.Parse(got.taintID); err != nil {
				t.Fatalf("taint id %q: %v", got.taintID, err)
			}
		})
	}
}

func TestMigrateFromVersionOneOnlyAssignsIDs(t *testing.T) {
	engine := openEngine(t)
	seedLegacy(t, engine, 1)
	if err := migrate(context.Background(), engine, slog.Default()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	got := inspect(t, engine)
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.taintSync.Equal(want) {
		t.Fatalf("lastTaintSync = %v, want %v kept", got.taintSync, want)
	}
	if got.taintID == "" {
		t.Fatalf("taint id not assigned")
	}
}

func TestMigrateIsNoopAtCurrentVersion(t *testing.T) {
	engine := openEngine(t)
	seedLegacy(t, engine, CurrentSchemaVersion)
	if err := migrate(context.Background(), engine, slog.Default()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	got := inspect(t, engine)
	if got.taintID != "" {
		t.Fatalf("taint id assigned at the current version: %q", got.taintID)
	}
	if got.taintSync.Equal(time.Unix(0, 0)) {
		t.Fatalf("taint sync reset at the current version")
	}

	// a second run changes nothing either
	if err := migrate(context.Background(), engine, slog.Default()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again := inspect(t, engine); again != got {
		t.Fatalf("second migrate changed state: %+v != %+v", again, got)
	}
}
