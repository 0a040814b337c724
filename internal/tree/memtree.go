package tree

import (
	"fmt"
	"sort"

	"github.com/bitgpt/cascade-engine/pkg/models"
)

type slotKey struct {
	program models.Program
	slot    int
}

type nodeKey struct {
	slotKey
	ref models.NodeRef
}

type userKey struct {
	slotKey
	userID string
}

// MemTree is an in-memory placement graph implementing View. It is not
// safe for concurrent use; the owning store serializes access.
type MemTree struct {
	nodes    map[nodeKey]*models.TreeNode
	children map[nodeKey][]*models.TreeNode
	latest   map[userKey]int
}

// NewMemTree returns an empty in-memory tree store.
func NewMemTree() *MemTree {
	return &MemTree{
		nodes:    make(map[nodeKey]*models.TreeNode),
		children: make(map[nodeKey][]*models.TreeNode),
		latest:   make(map[userKey]int),
	}
}

// Node returns the user's newest node in the slot tree.
func (m *MemTree) Node(program models.Program, slot int, userID string) (*models.TreeNode, bool, error) {
	uk := userKey{slotKey{program, slot}, userID}
	gen, ok := m.latest[uk]
	if !ok {
		return nil, false, nil
	}
	return m.NodeAt(program, slot, models.NodeRef{UserID: userID, Gen: gen})
}

// NodeAt returns the node with the exact generation.
func (m *MemTree) NodeAt(program models.Program, slot int, ref models.NodeRef) (*models.TreeNode, bool, error) {
	n, ok := m.nodes[nodeKey{slotKey{program, slot}, ref}]
	if !ok {
		return nil, false, nil
	}
	return n, true, nil
}

// Children returns the direct children of the parent node, ordered by
// position.
func (m *MemTree) Children(program models.Program, slot int, parent models.NodeRef) ([]*models.TreeNode, error) {
	return m.children[nodeKey{slotKey{program, slot}, parent}], nil
}

// Insert adds a placed node. The node's (user, generation) must be new and
// its (parent, position) unoccupied; placements are immutable afterwards.
func (m *MemTree) Insert(node *models.TreeNode) error {
	sk := slotKey{node.Program, node.SlotNo}
	nk := nodeKey{sk, node.Ref()}
	if _, exists := m.nodes[nk]; exists {
		return fmt.Errorf("tree: node %s gen %d already placed in %s slot %d", node.UserID, node.Generation, node.Program, node.SlotNo)
	}
	if parent, ok := node.ParentRef(); ok {
		pk := nodeKey{sk, parent}
		for _, sib := range m.children[pk] {
			if sib.Position == node.Position {
				return fmt.Errorf("tree: position %d under %s gen %d already taken in %s slot %d", node.Position, parent.UserID, parent.Gen, node.Program, node.SlotNo)
			}
		}
		siblings := append(m.children[pk], node)
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].Position < siblings[j].Position })
		m.children[pk] = siblings
	}
	m.nodes[nk] = node
	uk := userKey{sk, node.UserID}
	if node.Generation > m.latest[uk] {
		m.latest[uk] = node.Generation
	}
	return nil
}

// Len returns the total number of placed nodes across all trees.
func (m *MemTree) Len() int {
	return len(m.nodes)
}

// Clone returns a copy sharing the immutable node values but none of the
// index structures, for copy-on-write transactional stores.
func (m *MemTree) Clone() *MemTree {
	c := &MemTree{
		nodes:    make(map[nodeKey]*models.TreeNode, len(m.nodes)),
		children: make(map[nodeKey][]*models.TreeNode, len(m.children)),
		latest:   make(map[userKey]int, len(m.latest)),
	}
	for k, v := range m.nodes {
		c.nodes[k] = v
	}
	for k, v := range m.children {
		c.children[k] = append([]*models.TreeNode(nil), v...)
	}
	for k, v := range m.latest {
		c.latest[k] = v
	}
	return c
}
