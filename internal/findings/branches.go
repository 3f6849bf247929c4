package findings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/findingmirror/internal/entitystore"
	"github.com/odvcencio/findingmirror/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

func setSyncMetadata(branch *entitystore.Entity, kind findingKind, ts time.Time, langs []models.Language) {
	branch.SetProperty(kind.lastSync, ts)
	branch.SetProperty(kind.lastLang, joinLanguages(langs))
}

func (s *Store) lastSync(ctx context.Context, op, branch string, kind findingKind) (time.Time, bool, error) {
	var (
		ts time.Time
		ok bool
	)
	err := s.observe(ctx, op, func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			b, err := findBranch(txn, branch)
			if err != nil || b == nil {
				return err
			}
			v, err := b.Property(kind.lastSync)
			if err != nil {
				return err
			}
			ts, ok = v.(time.Time)
			return nil
		})
	}, branchAttr(branch))
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, ok, nil
}

func (s *Store) lastLanguages(ctx context.Context, op, branch string, kind findingKind) ([]models.Language, error) {
	var langs []models.Language
	err := s.observe(ctx, op, func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			b, err := findBranch(txn, branch)
			if err != nil || b == nil {
				return err
			}
			v, err := b.Property(kind.lastLang)
			if err != nil {
				return err
			}
			langs = splitLanguages(stringOf(v))
			return nil
		})
	}, branchAttr(branch))
	if err != nil {
		return nil, err
	}
	return langs, nil
}

// LastIssueSyncTimestamp returns the timestamp of the last issue merge on
// the branch. The bool is false when no issue merge happened.
func (s *Store) LastIssueSyncTimestamp(ctx context.Context, branch string) (time.Time, bool, error) {
	return s.lastSync(ctx, "last_issue_sync", branch, issueKind)
}

func (s *Store) LastTaintSyncTimestamp(ctx context.Context, branch string) (time.Time, bool, error) {
	return s.lastSync(ctx, "last_taint_sync", branch, taintKind)
}

func (s *Store) LastHotspotSyncTimestamp(ctx context.Context, branch string) (time.Time, bool, error) {
	return s.lastSync(ctx, "last_hotspot_sync", branch, hotspotKind)
}

// LastIssueEnabledLanguages returns the languages recorded by the last
// issue merge on the branch, sorted. It is empty when none happened.
func (s *Store) LastIssueEnabledLanguages(ctx context.Context, branch string) ([]models.Language, error) {
	return s.lastLanguages(ctx, "last_issue_languages", branch, issueKind)
}

func (s *Store) LastTaintEnabledLanguages(ctx context.Context, branch string) ([]models.Language, error) {
	return s.lastLanguages(ctx, "last_taint_languages", branch, taintKind)
}

func (s *Store) LastHotspotEnabledLanguages(ctx context.Context, branch string) ([]models.Language, error) {
	return s.lastLanguages(ctx, "last_hotspot_languages", branch, hotspotKind)
}

// WasEverUpdated reports whether any replace or merge ever created a branch.
func (s *Store) WasEverUpdated(ctx context.Context) (bool, error) {
	var updated bool
	err := s.observe(ctx, "was_ever_updated", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			branches, err := txn.GetAll(branchEntity)
			updated = len(branches) > 0
			return err
		})
	})
	return updated && err == nil, err
}

// BranchSummary describes one branch for maintenance tooling.
type BranchSummary struct {
	Name            string     `json:"name"`
	Files           int        `json:"files"`
	Issues          int        `json:"issues"`
	TaintIssues     int        `json:"taint_issues"`
	Hotspots        int        `json:"hotspots"`
	DependencyRisks int        `json:"dependency_risks"`
	LastIssueSync   *time.Time `json:"last_issue_sync,omitempty"`
	LastTaintSync   *time.Time `json:"last_taint_sync,omitempty"`
	LastHotspotSync *time.Time `json:"last_hotspot_sync,omitempty"`
}

// Branches summarizes every branch in creation order.
func (s *Store) Branches(ctx context.Context) ([]BranchSummary, error) {
	var out []BranchSummary
	err := s.observe(ctx, "branches", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			branches, err := txn.GetAll(branchEntity)
			if err != nil {
				return err
			}
			for _, b := range branches {
				summary, err := summarize(b)
				if err != nil {
					return err
				}
				out = append(out, summary)
			}
			return nil
		})
	})
	return out, err
}

func summarize(b *entitystore.Entity) (BranchSummary, error) {
	p, err := b.Properties()
	if err != nil {
		return BranchSummary{}, err
	}
	summary := BranchSummary{Name: str(p, branchName)}
	for name, dst := range map[string]**time.Time{
		lastIssueSync:   &summary.LastIssueSync,
		lastTaintSync:   &summary.LastTaintSync,
		lastHotspotSync: &summary.LastHotspotSync,
	} {
		if ts, ok := p.Time(name); ok {
			*dst = &ts
		}
	}

	files, err := b.Links(branchFiles)
	if err != nil {
		return BranchSummary{}, err
	}
	summary.Files = len(files)
	for _, f := range files {
		for _, c := range []struct {
			link string
			n    *int
		}{
			{fileIssues, &summary.Issues},
			{fileHotspots, &summary.Hotspots},
		} {
			linked, err := f.Links(c.link)
			if err != nil {
				return BranchSummary{}, err
			}
			*c.n += len(linked)
		}
	}
	taints, err := b.Links(branchTaintIssues)
	if err != nil {
		return BranchSummary{}, err
	}
	summary.TaintIssues = len(taints)
	risks, err := b.Links(branchDependencyRisks)
	if err != nil {
		return BranchSummary{}, err
	}
	summary.DependencyRisks = len(risks)
	return summary, nil
}

// ReplaceAllDependencyRisksOfBranch makes risks the complete set of
// dependency risks of the branch.
func (s *Store) ReplaceAllDependencyRisksOfBranch(ctx context.Context, branch string, risks []models.DependencyRisk) error {
	return s.timed(ctx, "replace_dependency_risks", wroteMessage(len(risks), "dependency risks"), func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			existing, err := b.Links(branchDependencyRisks)
			if err != nil {
				return err
			}
			for _, e := range existing {
				e.Delete()
			}
			b.DeleteLinks(branchDependencyRisks)
			txn.Flush()
			for i := range risks {
				if err := upsertDependencyRisk(txn, b, &risks[i]); err != nil {
					return err
				}
			}
			written = len(risks)
			return txn.Err()
		})
		s.countWritten(riskEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(risks)))
}

// upsertDependencyRisk finds the risk with the same key or creates it, and
// attaches it to branch. A risk held by another branch moves to this one.
func upsertDependencyRisk(txn *entitystore.Txn, branch *entitystore.Entity, r *models.DependencyRisk) error {
	e, err := findOne(txn, riskEntity, propKey, r.Key.String())
	if err != nil {
		return err
	}
	if e == nil {
		e = txn.NewEntity(riskEntity)
	} else {
		old, err := e.Link(linkBranch)
		if err != nil {
			return err
		}
		if old != nil && !old.Equal(branch) {
			old.DeleteLink(branchDependencyRisks, e)
		}
	}
	writeDependencyRisk(e, r)
	e.SetLink(linkBranch, branch)
	branch.AddLink(branchDependencyRisks, e)
	return txn.Err()
}

// LoadDependencyRisks returns the dependency risks of the branch.
func (s *Store) LoadDependencyRisks(ctx context.Context, branch string) ([]models.DependencyRisk, error) {
	var out []models.DependencyRisk
	err := s.observe(ctx, "load_dependency_risks", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			b, err := findBranch(txn, branch)
			if err != nil || b == nil {
				return err
			}
			entities, err := b.Links(branchDependencyRisks)
			if err != nil {
				return err
			}
			out = make([]models.DependencyRisk, 0, len(entities))
			for _, e := range entities {
				r, err := readDependencyRisk(e)
				if err != nil {
					return err
				}
				out = append(out, *r)
			}
			return nil
		})
	}, branchAttr(branch))
	return out, err
}

// UpdateDependencyRiskStatus sets the status of a dependency risk and
// reports whether it exists.
func (s *Store) UpdateDependencyRiskStatus(ctx context.Context, key uuid.UUID, status models.DependencyRiskStatus) (bool, error) {
	var found bool
	err := s.observe(ctx, "update_dependency_risk_status", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, riskEntity, propKey, key.String())
			if err != nil || e == nil {
				return err
			}
			e.SetProperty(propStatus, string(status))
			found = true
			return txn.Err()
		})
	})
	return found && err == nil, err
}

// SchemaVersion returns the schema version recorded in the store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.observe(ctx, "schema_version", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			v, err := currentVersion(txn)
			version = v
			return err
		})
	})
	return version, err
}
