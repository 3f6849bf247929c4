package findings

import (
	"context"
	"time"

	"github.com/odvcencio/findingmirror/internal/entitystore"
	"github.com/odvcencio/findingmirror/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

func issuePath(i *models.Issue) string { return i.FilePath }

func upsertIssue(txn *entitystore.Txn, file *entitystore.Entity, issue *models.Issue) error {
	e, err := upsert(txn, issueKind, file, issue.Key)
	if err != nil {
		return err
	}
	writeIssue(e, issue)
	return txn.Err()
}

func replaceIssuesOfFile(txn *entitystore.Txn, file *entitystore.Entity, issues []*models.Issue) error {
	if err := deleteAllOfFile(file, issueKind); err != nil {
		return err
	}
	for _, issue := range issues {
		if err := upsertIssue(txn, file, issue); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceAllIssuesOfFile makes issues the complete set of issues of the file.
func (s *Store) ReplaceAllIssuesOfFile(ctx context.Context, branch, path string, issues []models.Issue) error {
	return s.timed(ctx, "replace_issues_of_file", wroteMessage(len(issues), issueKind.label), func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			file, err := getOrCreateFile(txn, b, path)
			if err != nil {
				return err
			}
			ptrs := make([]*models.Issue, len(issues))
			for i := range issues {
				ptrs[i] = &issues[i]
			}
			if err := replaceIssuesOfFile(txn, file, ptrs); err != nil {
				return err
			}
			written = len(issues)
			return nil
		})
		s.countWritten(issueEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(issues)))
}

// ReplaceAllIssuesOfBranch makes issues the complete set of issues of the
// branch. Files of the branch absent from issues lose all their issues.
func (s *Store) ReplaceAllIssuesOfBranch(ctx context.Context, branch string, issues []models.Issue) error {
	order, byPath := groupByPath(issues, issuePath)
	return s.timed(ctx, "replace_issues_of_branch", wroteMessage(len(issues), issueKind.label), func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			err = pruneFiles(b, issueKind, func(path string) bool {
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
				if err := replaceIssuesOfFile(txn, file, byPath[path]); err != nil {
					return err
				}
				txn.Flush()
			}
			written = len(issues)
			return nil
		})
		s.countWritten(issueEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(issues)))
}

// MergeIssues upserts issues, deletes the closed keys and records the sync
// timestamp and enabled languages of the branch. Nothing else is deleted.
func (s *Store) MergeIssues(ctx context.Context, branch string, issues []models.Issue, closedKeys []string, syncTimestamp time.Time, langs []models.Language) error {
	order, byPath := groupByPath(issues, issuePath)
	msg := mergedMessage(len(issues), len(closedKeys), issueKind.label)
	return s.timed(ctx, "merge_issues", msg, func(ctx context.Context) error {
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
				for _, issue := range byPath[path] {
					if err := upsertIssue(txn, file, issue); err != nil {
						return err
					}
				}
				txn.Flush()
			}
			for _, key := range closedKeys {
				if _, err := removeByKey(txn, issueKind, key); err != nil {
					return err
				}
			}
			setSyncMetadata(b, issueKind, syncTimestamp, langs)
			written = len(issues)
			return txn.Err()
		})
		s.countWritten(issueEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(issues)), attribute.Int("findings.closed", len(closedKeys)))
}

// Load returns the issues of a file, or nil when the branch or file is unknown.
func (s *Store) Load(ctx context.Context, branch, path string) ([]models.Issue, error) {
	var out []models.Issue
	err := s.observe(ctx, "load_issues", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			file, err := fileOf(txn, branch, path)
			if err != nil || file == nil {
				return err
			}
			entities, err := file.Links(issueKind.fileLink)
			if err != nil {
				return err
			}
			out = make([]models.Issue, 0, len(entities))
			for _, e := range entities {
				issue, err := readIssue(e)
				if err != nil {
					return err
				}
				out = append(out, *issue)
			}
			return nil
		})
	}, branchAttr(branch))
	return out, err
}

// GetIssue looks an issue up by key across the whole store.
func (s *Store) GetIssue(ctx context.Context, key string) (*models.Issue, error) {
	var issue *models.Issue
	err := s.observe(ctx, "get_issue", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, issueEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			issue, err = readIssue(e)
			return err
		})
	})
	return issue, err
}

// UpdateIssue applies mutate to the stored issue and writes it back. It
// reports whether the issue exists. The key and file of the issue do not
// change even if mutate alters them.
func (s *Store) UpdateIssue(ctx context.Context, key string, mutate func(*models.Issue)) (bool, error) {
	var found bool
	err := s.observe(ctx, "update_issue", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, issueEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			issue, err := readIssue(e)
			if err != nil {
				return err
			}
			mutate(issue)
			issue.Key = key
			writeIssue(e, issue)
			found = true
			return txn.Err()
		})
	})
	return found && err == nil, err
}

// UpdateIssueResolutionStatus sets the resolved flag of an issue, or of a
// taint issue when isTaint is set, and returns the updated finding. It
// returns nil when the key is unknown.
func (s *Store) UpdateIssueResolutionStatus(ctx context.Context, key string, isTaint, resolved bool) (models.Finding, error) {
	kind := issueKind
	if isTaint {
		kind = taintKind
	}
	var updated models.Finding
	err := s.observe(ctx, "update_resolution", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, kind.entity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			e.SetProperty(propResolved, resolved)
			if isTaint {
				updated, err = readTaint(e)
			} else {
				updated, err = readIssue(e)
			}
			return err
		})
	}, attribute.Bool("findings.taint", isTaint))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ContainsIssue reports whether key names an issue or a taint issue.
func (s *Store) ContainsIssue(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.observe(ctx, "contains_issue", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			for _, typ := range []string{issueEntity, taintEntity} {
				e, err := findOne(txn, typ, propKey, key)
				if err != nil {
					return err
				}
				if e != nil {
					found = true
					return nil
				}
			}
			return nil
		})
	})
	return found, err
}
