package findings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/findingmirror/internal/entitystore"
	"github.com/odvcencio/findingmirror/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

func taintPath(t *models.TaintIssue) string { return t.FilePath }

// upsertTaint stores taint under file and branch. A nil ID keeps the id
// already stored for the key, or gets a fresh one for a new taint.
func upsertTaint(txn *entitystore.Txn, branch, file *entitystore.Entity, taint models.TaintIssue, knownIDs map[string]uuid.UUID) error {
	e, err := upsert(txn, taintKind, file, taint.Key)
	if err != nil {
		return err
	}
	if taint.ID == uuid.Nil {
		if id, ok := knownIDs[taint.Key]; ok {
			taint.ID = id
		} else if v, err := e.Property(propID); err != nil {
			return err
		} else if id, err := uuid.Parse(stringOf(v)); err == nil {
			taint.ID = id
		} else {
			taint.ID = uuid.New()
		}
	}
	old, err := e.Link(linkBranch)
	if err != nil {
		return err
	}
	if old != nil && !old.Equal(branch) {
		old.DeleteLink(branchTaintIssues, e)
	}
	e.SetLink(linkBranch, branch)
	branch.AddLink(branchTaintIssues, e)
	writeTaint(e, &taint)
	return txn.Err()
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// ReplaceAllTaintsOfBranch makes taints the complete set of taint issues
// of the branch. Taints supplied without an ID keep the ID they had.
func (s *Store) ReplaceAllTaintsOfBranch(ctx context.Context, branch string, taints []models.TaintIssue) error {
	order, byPath := groupByPath(taints, taintPath)
	return s.timed(ctx, "replace_taints_of_branch", wroteMessage(len(taints), taintKind.label), func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			existing, err := b.Links(branchTaintIssues)
			if err != nil {
				return err
			}
			knownIDs := make(map[string]uuid.UUID, len(existing))
			for _, e := range existing {
				p, err := e.Properties()
				if err != nil {
					return err
				}
				if id, err := uuid.Parse(str(p, propID)); err == nil {
					knownIDs[str(p, propKey)] = id
				}
				e.Delete()
			}
			b.DeleteLinks(branchTaintIssues)
			err = pruneFiles(b, taintKind, func(path string) bool {
				_, ok := byPath[path]
				return ok
			})
			if err != nil {
				return err
			}
			txn.Flush()

			for _, path := range order {
				file, err := getOrCreateFile(txn, b, path)
				if err != nil {
					return err
				}
				for _, taint := range byPath[path] {
					if err := upsertTaint(txn, b, file, *taint, knownIDs); err != nil {
						return err
					}
				}
				txn.Flush()
			}
			written = len(taints)
			return nil
		})
		s.countWritten(taintEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(taints)))
}

// MergeTaintIssues is MergeIssues for taint issues.
func (s *Store) MergeTaintIssues(ctx context.Context, branch string, taints []models.TaintIssue, closedKeys []string, syncTimestamp time.Time, langs []models.Language) error {
	order, byPath := groupByPath(taints, taintPath)
	msg := mergedMessage(len(taints), len(closedKeys), taintKind.label)
	return s.timed(ctx, "merge_taints", msg, func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			for _, path := range order {
				file, err := getOrCreateFile(txn, b, path)
				if err != nil {
					return err
				}
				for _, taint := range byPath[path] {
					if err := upsertTaint(txn, b, file, *taint, nil); err != nil {
						return err
					}
				}
				txn.Flush()
			}
			for _, key := range closedKeys {
				if _, err := removeByKey(txn, taintKind, key); err != nil {
					return err
				}
			}
			setSyncMetadata(b, taintKind, syncTimestamp, langs)
			written = len(taints)
			return txn.Err()
		})
		s.countWritten(taintEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(taints)), attribute.Int("findings.closed", len(closedKeys)))
}

func readTaints(entities []*entitystore.Entity) ([]models.TaintIssue, error) {
	out := make([]models.TaintIssue, 0, len(entities))
	for _, e := range entities {
		taint, err := readTaint(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *taint)
	}
	return out, nil
}

// LoadTaintOfFile returns the taint issues of one file of the branch.
func (s *Store) LoadTaintOfFile(ctx context.Context, branch, path string) ([]models.TaintIssue, error) {
	var out []models.TaintIssue
	err := s.observe(ctx, "load_taints_of_file", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			file, err := fileOf(txn, branch, path)
			if err != nil || file == nil {
				return err
			}
			entities, err := file.Links(taintKind.fileLink)
			if err != nil {
				return err
			}
			out, err = readTaints(entities)
			return err
		})
	}, branchAttr(branch))
	return out, err
}

// LoadTaint returns every taint issue of the branch regardless of file.
func (s *Store) LoadTaint(ctx context.Context, branch string) ([]models.TaintIssue, error) {
	var out []models.TaintIssue
	err := s.observe(ctx, "load_taints", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			b, err := findBranch(txn, branch)
			if err != nil || b == nil {
				return err
			}
			entities, err := b.Links(branchTaintIssues)
			if err != nil {
				return err
			}
			out, err = readTaints(entities)
			return err
		})
	}, branchAttr(branch))
	return out, err
}

// UpdateTaintIssueByServerKey applies mutate to the stored taint issue and
// returns the updated value, or nil when the key is unknown.
func (s *Store) UpdateTaintIssueByServerKey(ctx context.Context, key string, mutate func(*models.TaintIssue)) (*models.TaintIssue, error) {
	var updated *models.TaintIssue
	err := s.observe(ctx, "update_taint", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, taintEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			taint, err := readTaint(e)
			if err != nil {
				return err
			}
			id := taint.ID
			mutate(taint)
			taint.Key = key
			if taint.ID == uuid.Nil {
				taint.ID = id
			}
			writeTaint(e, taint)
			updated = taint
			return txn.Err()
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// InsertTaintIssue stores a new taint issue. A taint issue whose key is
// already stored is left untouched and the call is logged as an error.
func (s *Store) InsertTaintIssue(ctx context.Context, branch string, taint models.TaintIssue) error {
	return s.observe(ctx, "insert_taint", func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			existing, err := findOne(txn, taintEntity, propKey, taint.Key)
			if err != nil {
				return err
			}
			if existing != nil {
				s.logger.Error("Trying to store a taint vulnerability that already exists", "key", taint.Key, "branch", branch)
				return nil
			}
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			file, err := getOrCreateFile(txn, b, taint.FilePath)
			if err != nil {
				return err
			}
			if err := upsertTaint(txn, b, file, taint, nil); err != nil {
				return err
			}
			written = 1
			return nil
		})
		s.countWritten(taintEntity, written, err)
		return err
	}, branchAttr(branch))
}

// DeleteTaintIssueByServerKey removes a taint issue and returns its ID.
// The bool is false when the key is unknown.
func (s *Store) DeleteTaintIssueByServerKey(ctx context.Context, key string) (uuid.UUID, bool, error) {
	var (
		id    uuid.UUID
		found bool
	)
	err := s.observe(ctx, "delete_taint", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, taintEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			v, err := e.Property(propID)
			if err != nil {
				return err
			}
			id, _ = uuid.Parse(stringOf(v))
			e.Delete()
			found = true
			return txn.Err()
		})
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, found, nil
}
