package areatree

import (
	"fmt"
	"sort"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

type node struct {
	area     models.GeographicArea
	children []string
}

// Tree is an immutable snapshot of the geographic area forest, keyed by
// area id. All walks are queue-based; hierarchy depth is unbounded and must
// not translate into call-stack depth.
type Tree struct {
	nodes map[string]*node
	roots []string
}

// New builds a snapshot from a full set of area rows. Every non-nil parent
// must be present in the input; the store's foreign key guarantees that for
// rows read in one query.
func New(areas []models.GeographicArea) (*Tree, error) {
	t := &Tree{nodes: make(map[string]*node, len(areas))}
	for _, a := range areas {
		if _, dup := t.nodes[a.ID]; dup {
			return nil, fmt.Errorf("duplicate area id %s", a.ID)
		}
		t.nodes[a.ID] = &node{area: a}
	}
	for _, a := range areas {
		if a.ParentAreaID == nil {
			t.roots = append(t.roots, a.ID)
			continue
		}
		parent, ok := t.nodes[*a.ParentAreaID]
		if !ok {
			return nil, fmt.Errorf("area %s references missing parent %s", a.ID, *a.ParentAreaID)
		}
		parent.children = append(parent.children, a.ID)
	}
	byName := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool {
			a, b := t.nodes[ids[i]].area, t.nodes[ids[j]].area
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.ID < b.ID
		})
	}
	byName(t.roots)
	for _, n := range t.nodes {
		byName(n.children)
	}
	return t, nil
}

func (t *Tree) Len() int { return len(t.nodes) }

func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Roots returns the root area ids ordered by name.
func (t *Tree) Roots() []string {
	out := make([]string, len(t.roots))
	copy(out, t.roots)
	return out
}

// ParentOf returns the parent id of an area, or ok=false for a root.
func (t *Tree) ParentOf(id string) (string, bool, error) {
	n, ok := t.nodes[id]
	if !ok {
		return "", false, fmt.Errorf("area %s: %w", id, models.ErrNotFound)
	}
	if n.area.ParentAreaID == nil {
		return "", false, nil
	}
	return *n.area.ParentAreaID, true, nil
}

// PathToRoot returns [root, ..., parent(id), id]. The walk is iterative and
// guarded against parent-link cycles, which the write path must prevent.
func (t *Tree) PathToRoot(id string) ([]string, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("area %s: %w", id, models.ErrNotFound)
	}
	path := []string{id}
	cur := id
	for {
		n := t.nodes[cur]
		if n.area.ParentAreaID == nil {
			break
		}
		cur = *n.area.ParentAreaID
		if len(path) > len(t.nodes) {
			return nil, fmt.Errorf("parent chain of area %s exceeds tree size, cycle suspected", id)
		}
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// DescendantsOf returns the union of strict descendants of every input id.
// Input ids never appear in the result, even when one input is a descendant
// of another. Unknown ids contribute nothing.
func (t *Tree) DescendantsOf(ids map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	visited := map[string]struct{}{}
	queue := make([]string, 0, len(ids))
	for id := range ids {
		if n, ok := t.nodes[id]; ok {
			queue = append(queue, n.children...)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		if _, isInput := ids[cur]; !isInput {
			out[cur] = struct{}{}
		}
		queue = append(queue, t.nodes[cur].children...)
	}
	return out
}

// ChildrenOf returns the direct children of an area ordered by name.
func (t *Tree) ChildrenOf(id string) ([]string, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("area %s: %w", id, models.ErrNotFound)
	}
	out := make([]string, len(n.children))
	copy(out, n.children)
	return out, nil
}

func (t *Tree) ChildCount(id string) int {
	if n, ok := t.nodes[id]; ok {
		return len(n.children)
	}
	return 0
}

func (t *Tree) Area(id string) (models.GeographicArea, error) {
	n, ok := t.nodes[id]
	if !ok {
		return models.GeographicArea{}, fmt.Errorf("area %s: %w", id, models.ErrNotFound)
	}
	return n.area, nil
}

func (t *Tree) Detail(id string) (models.AreaDetail, error) {
	n, ok := t.nodes[id]
	if !ok {
		return models.AreaDetail{}, fmt.Errorf("area %s: %w", id, models.ErrNotFound)
	}
	return models.AreaDetail{
		ID:           n.area.ID,
		Name:         n.area.Name,
		AreaType:     n.area.AreaType,
		ParentAreaID: n.area.ParentAreaID,
		ChildCount:   len(n.children),
		CreatedAt:    n.area.CreatedAt,
		UpdatedAt:    n.area.UpdatedAt,
	}, nil
}

// WouldCreateCycle reports whether reparenting id under newParent would make
// the area its own ancestor.
func (t *Tree) WouldCreateCycle(id, newParent string) bool {
	if id == newParent {
		return true
	}
	cur := newParent
	for steps := 0; steps <= len(t.nodes); steps++ {
		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		if n.area.ParentAreaID == nil {
			return false
		}
		cur = *n.area.ParentAreaID
		if cur == id {
			return true
		}
	}
	return true
}
