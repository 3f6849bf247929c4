package findings

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/findingmirror/internal/entitystore"
)

// CurrentSchemaVersion is the schema version written by this package.
const CurrentSchemaVersion = 2

// currentVersion reads the schema marker. A missing, duplicated or
// malformed marker counts as version 0.
func currentVersion(txn *entitystore.Txn) (int, error) {
	markers, err := txn.GetAll(schemaEntity)
	if err != nil || len(markers) != 1 {
		return 0, err
	}
	v, err := markers[0].Property(schemaVersion)
	if err != nil {
		return 0, err
	}
	version, _ := v.(int)
	return version, nil
}

type migration struct {
	version int
	name    string
	apply   func(*entitystore.Txn) error
}

var migrations = []migration{
	{1, "force taint resync", resetTaintSync},
	{2, "assign taint ids", assignTaintIDs},
}

func resetTaintSync(txn *entitystore.Txn) error {
	branches, err := txn.GetAll(branchEntity)
	if err != nil {
		return err
	}
	for _, b := range branches {
		b.SetProperty(lastTaintSync, time.Unix(0, 0).UTC())
	}
	return txn.Err()
}

func assignTaintIDs(txn *entitystore.Txn) error {
	taints, err := txn.GetAll(taintEntity)
	if err != nil {
		return err
	}
	for _, t := range taints {
		t.SetProperty(propID, uuid.NewString())
	}
	return txn.Err()
}

// migrate brings the schema to CurrentSchemaVersion. Every pending step and
// the new marker are applied in one exclusive transaction.
func migrate(ctx context.Context, engine *entitystore.Store, logger *slog.Logger) error {
	return engine.Exclusive(ctx, func(txn *entitystore.Txn) error {
		version, err := currentVersion(txn)
		if err != nil {
			return err
		}
		if version >= CurrentSchemaVersion {
			return nil
		}
		for _, m := range migrations {
			if version >= m.version {
				continue
			}
			logger.Debug("migrating finding store", "step", m.name, "to", m.version)
			if err := m.apply(txn); err != nil {
				return err
			}
		}
		markers, err := txn.GetAll(schemaEntity)
		if err != nil {
			return err
		}
		for _, m := range markers {
			m.Delete()
		}
		marker := txn.NewEntity(schemaEntity)
		marker.SetProperty(schemaVersion, CurrentSchemaVersion)
		logger.Debug("finding store schema migrated", "from", version, "to", CurrentSchemaVersion)
		return txn.Err()
	})
}
