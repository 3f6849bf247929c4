package findings

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/findingmirror/internal/entitystore"
	"github.com/odvcencio/findingmirror/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

func hotspotPath(h *models.Hotspot) string { return h.FilePath }

func upsertHotspot(txn *entitystore.Txn, file *entitystore.Entity, h *models.Hotspot) error {
	e, err := upsert(txn, hotspotKind, file, h.Key)
	if err != nil {
		return err
	}
	writeHotspot(e, h)
	return txn.Err()
}

func replaceHotspotsOfFile(txn *entitystore.Txn, file *entitystore.Entity, hotspots []*models.Hotspot) error {
	if err := deleteAllOfFile(file, hotspotKind); err != nil {
		return err
	}
	for _, h := range hotspots {
		if err := upsertHotspot(txn, file, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ReplaceAllHotspotsOfFile(ctx context.Context, branch, path string, hotspots []models.Hotspot) error {
	return s.timed(ctx, "replace_hotspots_of_file", wroteMessage(len(hotspots), hotspotKind.label), func(ctx context.Context) error {
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
			ptrs := make([]*models.Hotspot, len(hotspots))
			for i := range hotspots {
				ptrs[i] = &hotspots[i]
			}
			if err := replaceHotspotsOfFile(txn, file, ptrs); err != nil {
				return err
			}
			written = len(hotspots)
			return nil
		})
		s.countWritten(hotspotEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(hotspots)))
}

func (s *Store) ReplaceAllHotspotsOfBranch(ctx context.Context, branch string, hotspots []models.Hotspot) error {
	order, byPath := groupByPath(hotspots, hotspotPath)
	return s.timed(ctx, "replace_hotspots_of_branch", wroteMessage(len(hotspots), hotspotKind.label), func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			err = pruneFiles(b, hotspotKind, func(path string) bool {
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
				if err := replaceHotspotsOfFile(txn, file, byPath[path]); err != nil {
					return err
				}
				txn.Flush()
			}
			written = len(hotspots)
			return nil
		})
		s.countWritten(hotspotEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(hotspots)))
}

func (s *Store) MergeHotspots(ctx context.Context, branch string, hotspots []models.Hotspot, closedKeys []string, syncTimestamp time.Time, langs []models.Language) error {
	order, byPath := groupByPath(hotspots, hotspotPath)
	msg := mergedMessage(len(hotspots), len(closedKeys), hotspotKind.label)
	return s.timed(ctx, "merge_hotspots", msg, func(ctx context.Context) error {
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
				for _, h := range byPath[path] {
					if err := upsertHotspot(txn, file, h); err != nil {
						return err
					}
				}
				txn.Flush()
			}
			for _, key := range closedKeys {
				if _, err := removeByKey(txn, hotspotKind, key); err != nil {
					return err
				}
			}
			setSyncMetadata(b, hotspotKind, syncTimestamp, langs)
			written = len(hotspots)
			return txn.Err()
		})
		s.countWritten(hotspotEntity, written, err)
		return err
	}, branchAttr(branch), attribute.Int("findings.count", len(hotspots)), attribute.Int("findings.closed", len(closedKeys)))
}

func (s *Store) LoadHotspots(ctx context.Context, branch, path string) ([]models.Hotspot, error) {
	var out []models.Hotspot
	err := s.observe(ctx, "load_hotspots", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			file, err := fileOf(txn, branch, path)
			if err != nil || file == nil {
				return err
			}
			entities, err := file.Links(hotspotKind.fileLink)
			if err != nil {
				return err
			}
			out = make([]models.Hotspot, 0, len(entities))
			for _, e := range entities {
				h, err := readHotspot(e)
				if err != nil {
					return err
				}
				out = append(out, *h)
			}
			return nil
		})
	}, branchAttr(branch))
	return out, err
}

func (s *Store) GetHotspot(ctx context.Context, key string) (*models.Hotspot, error) {
	var h *models.Hotspot
	err := s.observe(ctx, "get_hotspot", func(ctx context.Context) error {
		return s.view(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, hotspotEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			h, err = readHotspot(e)
			return err
		})
	})
	return h, err
}

// UpdateHotspot applies mutate to the stored hotspot and writes it back.
// It reports whether the hotspot exists.
func (s *Store) UpdateHotspot(ctx context.Context, key string, mutate func(*models.Hotspot)) (bool, error) {
	var found bool
	err := s.observe(ctx, "update_hotspot", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, hotspotEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			h, err := readHotspot(e)
			if err != nil {
				return err
			}
			mutate(h)
			h.Key = key
			writeHotspot(e, h)
			found = true
			return txn.Err()
		})
	})
	return found && err == nil, err
}

// ChangeHotspotStatus sets the review status of a hotspot. It reports
// whether the hotspot exists.
func (s *Store) ChangeHotspotStatus(ctx context.Context, key string, status models.HotspotReviewStatus) (bool, error) {
	if !models.IsHotspotReviewStatus(string(status)) {
		return false, fmt.Errorf("invalid hotspot status %q", status)
	}
	var found bool
	err := s.observe(ctx, "change_hotspot_status", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := findOne(txn, hotspotEntity, propKey, key)
			if err != nil || e == nil {
				return err
			}
			e.SetProperty(propStatus, string(status))
			e.SetProperty(propResolved, status.IsReviewed())
			found = true
			return txn.Err()
		})
	}, attribute.String("findings.status", string(status)))
	return found && err == nil, err
}

// InsertHotspot stores a new hotspot. A hotspot whose key is already
// stored is left untouched and the call is logged as an error.
func (s *Store) InsertHotspot(ctx context.Context, branch string, h models.Hotspot) error {
	return s.observe(ctx, "insert_hotspot", func(ctx context.Context) error {
		var written int
		err := s.update(ctx, func(txn *entitystore.Txn) error {
			existing, err := findOne(txn, hotspotEntity, propKey, h.Key)
			if err != nil {
				return err
			}
			if existing != nil {
				s.logger.Error("Trying to store a hotspot that already exists", "key", h.Key, "branch", branch)
				return nil
			}
			b, err := getOrCreateBranch(txn, branch)
			if err != nil {
				return err
			}
			file, err := getOrCreateFile(txn, b, h.FilePath)
			if err != nil {
				return err
			}
			if err := upsertHotspot(txn, file, &h); err != nil {
				return err
			}
			written = 1
			return nil
		})
		s.countWritten(hotspotEntity, written, err)
		return err
	}, branchAttr(branch))
}

// DeleteHotspot removes a hotspot by key and reports whether it existed.
func (s *Store) DeleteHotspot(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.observe(ctx, "delete_hotspot", func(ctx context.Context) error {
		return s.update(ctx, func(txn *entitystore.Txn) error {
			e, err := removeByKey(txn, hotspotKind, key)
			found = e != nil
			return err
		})
	})
	return found && err == nil, err
}
