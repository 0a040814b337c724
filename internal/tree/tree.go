// Package tree implements navigation and placement over the per-program,
// per-slot placement graphs. All traversals are iterative with explicit
// depth counters; nothing here performs I/O beyond the View it is handed.
package tree

import (
	"errors"
	"fmt"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// MatrixPlacementDepth bounds matrix BFS placement: level 1 holds 3
// members, level 2 holds 9, level 3 holds 27.
const MatrixPlacementDepth = 3

// ErrSubtreeFull is returned when BFS placement finds no open position
// within the allowed depth. A full matrix tree indicates a missed recycle.
var ErrSubtreeFull = errors.New("tree: subtree full within depth limit")

// View is the read surface placement and navigation run against. Stores
// bind their transaction context before handing one out.
type View interface {
	// Node returns the user's newest node in the slot tree.
	Node(program models.Program, slot int, userID string) (*models.TreeNode, bool, error)
	// NodeAt returns the node with the exact generation.
	NodeAt(program models.Program, slot int, ref models.NodeRef) (*models.TreeNode, bool, error)
	// Children returns the direct children of the parent node, ordered by
	// position.
	Children(program models.Program, slot int, parent models.NodeRef) ([]*models.TreeNode, error)
}

// Width returns the child capacity per node. Global phase trees are flat
// under the phase owner and capped by phase bookkeeping instead.
func Width(p models.Program) int {
	switch p {
	case models.ProgramBinary:
		return catalog.BinaryWidth
	case models.ProgramMatrix:
		return catalog.MatrixWidth
	}
	return 0
}

// BFSNextOpen walks root's subtree breadth-first and returns the first
// parent with an open child position, plus the position itself. maxDepth
// caps the depth of the returned child (0 means unbounded).
func BFSNextOpen(v View, program models.Program, slot int, root models.NodeRef, width, maxDepth int) (models.NodeRef, int, error) {
	if width < 1 {
		return models.NodeRef{}, 0, fmt.Errorf("tree: width %d invalid for %s", width, program)
	}
	type qent struct {
		ref   models.NodeRef
		depth int
	}
	queue := []qent{{ref: root, depth: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		children, err := v.Children(program, slot, cur.ref)
		if err != nil {
			return models.NodeRef{}, 0, err
		}
		taken := make(map[int]bool, len(children))
		for _, c := range children {
			taken[c.Position] = true
		}
		for pos := 0; pos < width; pos++ {
			if !taken[pos] {
				return cur.ref, pos, nil
			}
		}
		for _, c := range children {
			queue = append(queue, qent{ref: c.Ref(), depth: cur.depth + 1})
		}
	}
	return models.NodeRef{}, 0, ErrSubtreeFull
}

// PlaceBinary returns the open (parent, position) for a new binary node
// under root, filling left before right, level by level.
func PlaceBinary(v View, slot int, root models.NodeRef) (models.NodeRef, int, error) {
	return BFSNextOpen(v, models.ProgramBinary, slot, root, catalog.BinaryWidth, 0)
}

// PlaceMatrix returns the open (parent, position) for a new matrix node
// under root. Strict BFS over at most three levels: 3, then 9, then 27.
func PlaceMatrix(v View, slot int, root models.NodeRef) (models.NodeRef, int, error) {
	return BFSNextOpen(v, models.ProgramMatrix, slot, root, catalog.MatrixWidth, MatrixPlacementDepth)
}

// Ancestor returns the depth-th placement ancestor of the user's current
// node in the slot tree. Returns false when the walk runs off the root
// before reaching depth.
func Ancestor(v View, program models.Program, slot int, userID string, depth int) (*models.TreeNode, bool, error) {
	node, ok, err := v.Node(program, slot, userID)
	if err != nil || !ok {
		return nil, false, err
	}
	return AncestorOf(v, node, depth)
}

// AncestorOf walks depth parent links up from the given node.
func AncestorOf(v View, node *models.TreeNode, depth int) (*models.TreeNode, bool, error) {
	cur := node
	for i := 0; i < depth; i++ {
		parent, ok := cur.ParentRef()
		if !ok {
			return nil, false, nil
		}
		next, found, err := v.NodeAt(cur.Program, cur.SlotNo, parent)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, fmt.Errorf("tree: dangling parent %s gen %d in %s slot %d", parent.UserID, parent.Gen, cur.Program, cur.SlotNo)
		}
		cur = next
	}
	return cur, true, nil
}

// LevelOf returns the 1-based distance from the user's node up to the
// given ancestor node, capped at maxDepth. Returns false if the ancestor
// is not on the path within the cap.
func LevelOf(v View, program models.Program, slot int, userID string, ancestor models.NodeRef, maxDepth int) (int, bool, error) {
	node, ok, err := v.Node(program, slot, userID)
	if err != nil || !ok {
		return 0, false, err
	}
	cur := node
	for level := 1; level <= maxDepth; level++ {
		parent, has := cur.ParentRef()
		if !has {
			return 0, false, nil
		}
		if parent == ancestor {
			return level, true, nil
		}
		next, found, err := v.NodeAt(program, slot, parent)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, fmt.Errorf("tree: dangling parent %s gen %d in %s slot %d", parent.UserID, parent.Gen, program, slot)
		}
		cur = next
	}
	return 0, false, nil
}

// UplineChain returns the placement ancestors of node from level 1 (its
// parent) up to depth, stopping early at the tree root.
func UplineChain(v View, node *models.TreeNode, depth int) ([]*models.TreeNode, error) {
	chain := make([]*models.TreeNode, 0, depth)
	cur := node
	for i := 0; i < depth; i++ {
		parent, ok := cur.ParentRef()
		if !ok {
			break
		}
		next, found, err := v.NodeAt(cur.Program, cur.SlotNo, parent)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("tree: dangling parent %s gen %d in %s slot %d", parent.UserID, parent.Gen, cur.Program, cur.SlotNo)
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// BFSIndexUnder returns the 0-based index of target among the nodes at
// exactly depth levels below ancestor, in breadth-first order. Only that
// cohort is counted: shallower nodes are traversed but not indexed, so
// the first two depth-N descendants of a slot-N ancestor hold indexes 0
// and 1 no matter how many intermediate nodes exist. Enumeration stops
// after limit cohort nodes; returns false if target was not seen.
func BFSIndexUnder(v View, program models.Program, slot int, ancestor, target models.NodeRef, depth, limit int) (int, bool, error) {
	type qent struct {
		ref   models.NodeRef
		depth int
	}
	queue := []qent{{ref: ancestor, depth: 0}}
	idx := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		children, err := v.Children(program, slot, cur.ref)
		if err != nil {
			return 0, false, err
		}
		for _, c := range children {
			if cur.depth+1 == depth {
				if c.Ref() == target {
					return idx, true, nil
				}
				idx++
				if idx >= limit {
					return 0, false, nil
				}
				continue
			}
			queue = append(queue, qent{ref: c.Ref(), depth: cur.depth + 1})
		}
	}
	return 0, false, nil
}

// SubtreeCount counts the nodes strictly below root within depthLimit
// levels (0 means unbounded).
func SubtreeCount(v View, program models.Program, slot int, root models.NodeRef, depthLimit int) (int, error) {
	type qent struct {
		ref   models.NodeRef
		depth int
	}
	queue := []qent{{ref: root, depth: 0}}
	count := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if depthLimit > 0 && cur.depth >= depthLimit {
			continue
		}
		children, err := v.Children(program, slot, cur.ref)
		if err != nil {
			return 0, err
		}
		count += len(children)
		for _, c := range children {
			queue = append(queue, qent{ref: c.Ref(), depth: cur.depth + 1})
		}
	}
	return count, nil
}

// CollectSubtree returns root's subtree nodes in BFS order within
// depthLimit levels (0 means unbounded), excluding the root.
func CollectSubtree(v View, program models.Program, slot int, root models.NodeRef, depthLimit int) ([]*models.TreeNode, error) {
	type qent struct {
		ref   models.NodeRef
		depth int
	}
	queue := []qent{{ref: root, depth: 0}}
	var out []*models.TreeNode
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if depthLimit > 0 && cur.depth >= depthLimit {
			continue
		}
		children, err := v.Children(program, slot, cur.ref)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, qent{ref: c.Ref(), depth: cur.depth + 1})
		}
	}
	return out, nil
}
