package kg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// RunResolutionScan merges duplicate entities inside one project.
// Two entities are duplicates when a normalized name or alias of one
// matches the other and their types do not conflict. Every decision
// is recorded on the audit trail.
func (s *Service) RunResolutionScan(ctx context.Context, projectID, sessionID string) (*ResolutionReport, error) {
	if !s.cfg.EntityResolutionEnabled {
		return nil, models.NewAppError(models.CodeServiceUnavailable, "entity resolution is disabled").
			WithHint("Set graph.entity_resolution_enabled to true.")
	}
	// The whole load-mutate-save span runs under the project mutex so a
	// concurrent SaveProject on the same id cannot interleave and have
	// its write silently dropped by the scan's save.
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	s.auditLog.LogResolutionEvent(ctx, models.AuditResolutionScanStart, projectID, sessionID, nil, map[string]any{
		"entities": len(p.Entities),
	})

	before := len(p.Entities)
	merged, rejected := s.resolveEntities(ctx, p, sessionID)
	if merged > 0 {
		p.UpdatedAt = time.Now().UTC()
		if err := store.WriteJSONAtomic(s.projectPath(p.ID), p, 0o644); err != nil {
			return nil, fmt.Errorf("save project %s: %w", p.ID, err)
		}
	}

	durationMS := float64(time.Since(start)) / float64(time.Millisecond)
	s.auditLog.LogResolutionEvent(ctx, models.AuditResolutionScanComplete, projectID, sessionID, &durationMS, map[string]any{
		"merged":          merged,
		"rejected":        rejected,
		"entities_before": before,
		"entities_after":  len(p.Entities),
	})
	s.logger.Info("resolution scan complete",
		"project_id", projectID, "merged", merged, "rejected", rejected)

	return &ResolutionReport{
		ProjectID:      projectID,
		Merged:         merged,
		Rejected:       rejected,
		EntitiesBefore: before,
		EntitiesAfter:  len(p.Entities),
		DurationMS:     durationMS,
	}, nil
}

// resolveEntities performs one merge pass in place. Earlier entities
// win: a later entity whose key collides with a surviving one is
// folded into it, and relations are rewritten to the survivor.
func (s *Service) resolveEntities(ctx context.Context, p *models.GraphProject, sessionID string) (merged, rejected int) {
	type claim struct {
		idx int // index into survivors
	}
	claims := map[string]claim{}
	survivors := make([]models.GraphEntity, 0, len(p.Entities))
	idMap := map[string]string{}

	for _, e := range p.Entities {
		target := -1
		for _, key := range entityKeys(e) {
			c, ok := claims[key]
			if !ok {
				continue
			}
			if typesConflict(survivors[c.idx].Type, e.Type) {
				rejected++
				s.auditLog.LogResolutionEvent(ctx, models.AuditMergeRejected, p.ID, sessionID, nil, map[string]any{
					"kept_id":     survivors[c.idx].ID,
					"rejected_id": e.ID,
					"key":         key,
					"reason":      "type_conflict",
				})
				continue
			}
			target = c.idx
			break
		}

		if target >= 0 {
			mergeEntity(&survivors[target], e)
			idMap[e.ID] = survivors[target].ID
			merged++
			s.auditLog.LogResolutionEvent(ctx, models.AuditEntityMerge, p.ID, sessionID, nil, map[string]any{
				"kept_id":    survivors[target].ID,
				"removed_id": e.ID,
				"name":       e.Name,
			})
			for _, key := range entityKeys(survivors[target]) {
				if _, ok := claims[key]; !ok {
					claims[key] = claim{idx: target}
				}
			}
			continue
		}

		survivors = append(survivors, e)
		idx := len(survivors) - 1
		for _, key := range entityKeys(e) {
			if _, ok := claims[key]; !ok {
				claims[key] = claim{idx: idx}
			}
		}
	}

	if merged == 0 {
		return 0, rejected
	}

	p.Entities = survivors
	p.Relations = rewriteRelations(p.Relations, idMap)
	return merged, rejected
}

// mergeEntity folds dup into keep: aliases union, mentions sum.
func mergeEntity(keep *models.GraphEntity, dup models.GraphEntity) {
	seen := map[string]bool{normalizeName(keep.Name): true}
	for _, a := range keep.Aliases {
		seen[normalizeName(a)] = true
	}
	for _, a := range append([]string{dup.Name}, dup.Aliases...) {
		key := normalizeName(a)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keep.Aliases = append(keep.Aliases, a)
	}
	keep.Mentions += dup.Mentions
}

// rewriteRelations points edges at merge survivors, drops self-loops
// produced by a merge, and collapses now-identical edges by summing
// their weights.
func rewriteRelations(relations []models.GraphRelation, idMap map[string]string) []models.GraphRelation {
	out := make([]models.GraphRelation, 0, len(relations))
	index := map[string]int{}
	for _, r := range relations {
		if to, ok := idMap[r.SourceID]; ok {
			r.SourceID = to
		}
		if to, ok := idMap[r.TargetID]; ok {
			r.TargetID = to
		}
		if r.SourceID == r.TargetID {
			continue
		}
		key := r.SourceID + "\x00" + r.TargetID + "\x00" + r.Type
		if i, ok := index[key]; ok {
			out[i].Weight += r.Weight
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

func entityKeys(e models.GraphEntity) []string {
	keys := make([]string, 0, 1+len(e.Aliases))
	if k := normalizeName(e.Name); k != "" {
		keys = append(keys, k)
	}
	for _, a := range e.Aliases {
		if k := normalizeName(a); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// typesConflict reports whether two entity types are incompatible.
// An empty type is a wildcard.
func typesConflict(a, b string) bool {
	return a != "" && b != "" && !strings.EqualFold(a, b)
}
