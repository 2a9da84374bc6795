// Package authz computes per-user access levels over the geographic area
// forest. A DENY anywhere on the path from root to an area is absolute; an
// ALLOW on the path grants FULL below it until a DENY cuts the branch off.
package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/sinanour/cultivate-sub007/pkg/areatree"
	"github.com/sinanour/cultivate-sub007/pkg/models"
)

type TreeSource interface {
	Tree(ctx context.Context) (*areatree.Tree, error)
}

type RuleSource interface {
	RulesForUser(ctx context.Context, userID string) ([]models.AuthorizationRule, error)
}

type Evaluator struct {
	Areas TreeSource
	Rules RuleSource
}

// ruleSet indexes one user's rules by area id. The store's uniqueness
// constraint guarantees an area is in at most one of the two sets.
type ruleSet struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func newRuleSet(rules []models.AuthorizationRule) ruleSet {
	rs := ruleSet{allow: map[string]struct{}{}, deny: map[string]struct{}{}}
	for _, r := range rules {
		switch r.RuleType {
		case models.RuleDeny:
			rs.deny[r.GeographicAreaID] = struct{}{}
		default:
			rs.allow[r.GeographicAreaID] = struct{}{}
		}
	}
	return rs
}

func (rs ruleSet) empty() bool { return len(rs.allow) == 0 && len(rs.deny) == 0 }

// Snapshot pins one user's rules and one tree for the duration of a request,
// so batch endpoints evaluate many areas against a single consistent view.
type Snapshot struct {
	UserID string
	Tree   *areatree.Tree
	rules  ruleSet
}

func (e *Evaluator) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	tree, err := e.Areas.Tree(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot tree: %w", err)
	}
	rules, err := e.Rules.RulesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot rules for user %s: %w", userID, err)
	}
	return &Snapshot{UserID: userID, Tree: tree, rules: newRuleSet(rules)}, nil
}

// Evaluate resolves the access level for one area.
//
// With no rules at all the user is unrestricted and gets FULL everywhere.
// Otherwise: DENY on the root-to-area path wins outright; ALLOW on the path
// grants FULL; an allowed strict descendant (reachable without crossing a
// DENY) grants READ_ONLY; anything else is NONE.
func (s *Snapshot) Evaluate(areaID string) (models.AccessLevel, error) {
	if !s.Tree.Has(areaID) {
		return models.AccessNone, fmt.Errorf("area %s: %w", areaID, models.ErrNotFound)
	}
	if s.rules.empty() {
		return models.AccessFull, nil
	}
	path, err := s.Tree.PathToRoot(areaID)
	if err != nil {
		return models.AccessNone, err
	}
	allowedOnPath := false
	for _, id := range path {
		if _, denied := s.rules.deny[id]; denied {
			return models.AccessNone, nil
		}
		if _, allowed := s.rules.allow[id]; allowed {
			allowedOnPath = true
		}
	}
	if allowedOnPath {
		return models.AccessFull, nil
	}
	if s.hasAllowedDescendant(areaID) {
		return models.AccessReadOnly, nil
	}
	return models.AccessNone, nil
}

// hasAllowedDescendant walks down from areaID looking for an ALLOW that is
// not cut off by an intervening DENY. The area's own path is already known
// to be DENY-free when this runs.
func (s *Snapshot) hasAllowedDescendant(areaID string) bool {
	queue, err := s.Tree.ChildrenOf(areaID)
	if err != nil {
		return false
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, denied := s.rules.deny[cur]; denied {
			continue
		}
		if _, allowed := s.rules.allow[cur]; allowed {
			return true
		}
		children, err := s.Tree.ChildrenOf(cur)
		if err != nil {
			continue
		}
		queue = append(queue, children...)
	}
	return false
}

// AuthorizedAreas returns the set of areas the user holds FULL access to.
// Seeds are the user's DENY-free allowed areas; the walk expands downward
// and prunes any subtree rooted at a node with its own DENY rule.
func (s *Snapshot) AuthorizedAreas() (map[string]struct{}, error) {
	out := map[string]struct{}{}
	if s.rules.empty() {
		return out, nil
	}
	var queue []string
	for id := range s.rules.allow {
		if !s.Tree.Has(id) {
			continue
		}
		path, err := s.Tree.PathToRoot(id)
		if err != nil {
			return nil, err
		}
		denied := false
		for _, p := range path {
			if _, d := s.rules.deny[p]; d {
				denied = true
				break
			}
		}
		if !denied {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := out[cur]; seen {
			continue
		}
		if _, denied := s.rules.deny[cur]; denied {
			continue
		}
		out[cur] = struct{}{}
		children, err := s.Tree.ChildrenOf(cur)
		if err != nil {
			continue
		}
		queue = append(queue, children...)
	}
	return out, nil
}

// HasRestrictions reports whether the user has any rules at all.
func (s *Snapshot) HasRestrictions() bool { return !s.rules.empty() }

// Info assembles the caching-friendly summary handed to enforcement points.
// AuthorizedAreaIDs is sorted so membership checks can binary-search and
// payloads are stable across calls.
func (s *Snapshot) Info() (models.AuthorizationInfo, error) {
	if s.rules.empty() {
		return models.AuthorizationInfo{HasRestrictions: false}, nil
	}
	set, err := s.AuthorizedAreas()
	if err != nil {
		return models.AuthorizationInfo{}, err
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return models.AuthorizationInfo{HasRestrictions: true, AuthorizedAreaIDs: ids}, nil
}

// RuledAreaAccess lists the areas carrying an explicit rule for the user,
// each annotated with its effective precedence-resolved level. This is the
// administrative "my rules" view; it is narrower than AuthorizedAreas, which
// expands descendants. Rules pointing at areas no longer in the tree are
// skipped. Sorted by area id.
func (s *Snapshot) RuledAreaAccess() []models.AreaAccess {
	ids := make([]string, 0, len(s.rules.allow)+len(s.rules.deny))
	for id := range s.rules.allow {
		ids = append(ids, id)
	}
	for id := range s.rules.deny {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.AreaAccess, 0, len(ids))
	for _, id := range ids {
		lvl, err := s.Evaluate(id)
		if err != nil {
			continue
		}
		out = append(out, models.AreaAccess{AreaID: id, AccessLevel: lvl})
	}
	return out
}

// AuthorizedAreaAccess is the one-shot form of RuledAreaAccess.
func (e *Evaluator) AuthorizedAreaAccess(ctx context.Context, userID string) ([]models.AreaAccess, error) {
	snap, err := e.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return snap.RuledAreaAccess(), nil
}

// Evaluate is the one-shot form used by single-area endpoints.
func (e *Evaluator) Evaluate(ctx context.Context, userID, areaID string) (models.AccessLevel, error) {
	snap, err := e.Snapshot(ctx, userID)
	if err != nil {
		return models.AccessNone, err
	}
	return snap.Evaluate(areaID)
}

// BuildInfo is the one-shot form used by the authorization-info endpoint.
func (e *Evaluator) BuildInfo(ctx context.Context, userID string) (models.AuthorizationInfo, error) {
	snap, err := e.Snapshot(ctx, userID)
	if err != nil {
		return models.AuthorizationInfo{}, err
	}
	return snap.Info()
}
