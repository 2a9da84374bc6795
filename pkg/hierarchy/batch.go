// Package hierarchy answers bulk structural questions about the area forest
// on behalf of a requesting user. Results are filtered to what the requester
// is authorized to see; administrators bypass the filter.
package hierarchy

import (
	"context"
	"sort"

	"github.com/sinanour/cultivate-sub007/pkg/authz"
	"github.com/sinanour/cultivate-sub007/pkg/models"
)

const maxBatchSize = 100

// Requester identifies who is asking. Admin requesters see every area
// regardless of their own rules.
type Requester struct {
	UserID string
	Admin  bool
}

type BatchQuery struct {
	Eval *authz.Evaluator
}

func validateIDs(ids []string, allowEmpty bool) error {
	if len(ids) == 0 && !allowEmpty {
		return models.Validationf("at least one area id is required")
	}
	if len(ids) > maxBatchSize {
		return models.Validationf("batch size %d exceeds limit of %d", len(ids), maxBatchSize)
	}
	for _, id := range ids {
		if err := models.ValidateAreaID(id); err != nil {
			return err
		}
	}
	return nil
}

// visible reports whether the requester may see the area at all. Unknown
// areas are never visible; they are silently dropped from batch results.
func visible(snap *authz.Snapshot, req Requester, areaID string) bool {
	if !snap.Tree.Has(areaID) {
		return false
	}
	if req.Admin {
		return true
	}
	lvl, err := snap.Evaluate(areaID)
	if err != nil {
		return false
	}
	return lvl != models.AccessNone
}

// BatchDetails resolves full details for up to 100 areas. Areas that do not
// exist, or that the requester cannot see, are omitted from the result
// rather than failing the whole batch.
func (q *BatchQuery) BatchDetails(ctx context.Context, req Requester, ids []string) (map[string]models.AreaDetail, error) {
	if err := validateIDs(ids, false); err != nil {
		return nil, err
	}
	snap, err := q.Eval.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.AreaDetail, len(ids))
	for _, id := range ids {
		if !visible(snap, req, id) {
			continue
		}
		d, err := snap.Tree.Detail(id)
		if err != nil {
			continue
		}
		out[id] = d
	}
	return out, nil
}

// BatchAncestors maps each requested area to its direct parent, nil for a
// root. The hop is deliberately single-level; callers chase chains by
// re-querying with the returned parents.
func (q *BatchQuery) BatchAncestors(ctx context.Context, req Requester, ids []string) (map[string]*string, error) {
	if err := validateIDs(ids, false); err != nil {
		return nil, err
	}
	snap, err := q.Eval.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*string, len(ids))
	for _, id := range ids {
		if !visible(snap, req, id) {
			continue
		}
		parent, ok, err := snap.Tree.ParentOf(id)
		if err != nil {
			continue
		}
		if !ok {
			out[id] = nil
			continue
		}
		p := parent
		out[id] = &p
	}
	return out, nil
}

// BatchDescendants returns the union of strict descendants of the input
// areas, sorted by id. An empty input yields an empty result. Input areas
// never appear in the output, even when one input descends from another.
func (q *BatchQuery) BatchDescendants(ctx context.Context, req Requester, ids []string) ([]string, error) {
	if err := validateIDs(ids, true); err != nil {
		return nil, err
	}
	snap, err := q.Eval.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	seeds := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if visible(snap, req, id) {
			seeds[id] = struct{}{}
		}
	}
	set := snap.Tree.DescendantsOf(seeds)
	out := make([]string, 0, len(set))
	for id := range set {
		if visible(snap, req, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
