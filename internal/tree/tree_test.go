package tree

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bitgpt/cascade-engine/pkg/models"
)

func node(p models.Program, slot int, user string, gen int, parent string, parentGen, pos int) *models.TreeNode {
	return &models.TreeNode{
		Program:    p,
		SlotNo:     slot,
		UserID:     user,
		Generation: gen,
		ParentID:   parent,
		ParentGen:  parentGen,
		Position:   pos,
	}
}

// placeNext runs BFS placement for a new user and inserts the node.
func placeNext(t *testing.T, m *MemTree, p models.Program, slot int, root models.NodeRef, user string) *models.TreeNode {
	t.Helper()
	var parent models.NodeRef
	var pos int
	var err error
	if p == models.ProgramMatrix {
		parent, pos, err = PlaceMatrix(m, slot, root)
	} else {
		parent, pos, err = PlaceBinary(m, slot, root)
	}
	if err != nil {
		t.Fatalf("placement for %s failed: %v", user, err)
	}
	n := node(p, slot, user, 1, parent.UserID, parent.Gen, pos)
	if err := m.Insert(n); err != nil {
		t.Fatalf("insert for %s failed: %v", user, err)
	}
	return n
}

func TestPlaceBinaryFillsBreadthFirst(t *testing.T) {
	// Root with six placements: the first two fill the root's left and
	// right, the next four fill the grandchildren level left to right.
	m := NewMemTree()
	root := models.NodeRef{UserID: "root", Gen: 1}
	if err := m.Insert(node(models.ProgramBinary, 2, "root", 1, "", 0, 0)); err != nil {
		t.Fatalf("root insert failed: %v", err)
	}

	want := []struct {
		user   string
		parent string
		pos    int
	}{
		{"u1", "root", 0},
		{"u2", "root", 1},
		{"u3", "u1", 0},
		{"u4", "u1", 1},
		{"u5", "u2", 0},
		{"u6", "u2", 1},
	}
	for _, w := range want {
		n := placeNext(t, m, models.ProgramBinary, 2, root, w.user)
		if n.ParentID != w.parent || n.Position != w.pos {
			t.Errorf("Expected %s under %s position %d. Got: %s position %d", w.user, w.parent, w.pos, n.ParentID, n.Position)
		}
	}
}

func TestPlaceMatrixFillsThreeLevels(t *testing.T) {
	// A matrix tree fills 3, then 9, then 27 members and is full at 39.
	m := NewMemTree()
	root := models.NodeRef{UserID: "owner", Gen: 1}
	if err := m.Insert(node(models.ProgramMatrix, 1, "owner", 1, "", 0, 0)); err != nil {
		t.Fatalf("root insert failed: %v", err)
	}

	var placed []*models.TreeNode
	for i := 1; i <= 39; i++ {
		placed = append(placed, placeNext(t, m, models.ProgramMatrix, 1, root, fmt.Sprintf("m%d", i)))
	}

	// First three are the owner's direct children.
	for i := 0; i < 3; i++ {
		if placed[i].ParentID != "owner" || placed[i].Position != i {
			t.Errorf("Expected m%d under owner position %d. Got: %s position %d", i+1, i, placed[i].ParentID, placed[i].Position)
		}
	}
	// Fourth opens level 2 under the owner's first child.
	if placed[3].ParentID != "m1" || placed[3].Position != 0 {
		t.Errorf("Expected m4 under m1 position 0. Got: %s position %d", placed[3].ParentID, placed[3].Position)
	}
	// Thirteenth opens level 3 under the first level-2 node.
	if placed[12].ParentID != "m4" || placed[12].Position != 0 {
		t.Errorf("Expected m13 under m4 position 0. Got: %s position %d", placed[12].ParentID, placed[12].Position)
	}

	count, err := SubtreeCount(m, models.ProgramMatrix, 1, root, 3)
	if err != nil {
		t.Fatalf("SubtreeCount failed: %v", err)
	}
	if count != 39 {
		t.Errorf("Expected 39 members within three levels. Got: %d", count)
	}

	// The 40th placement has nowhere to go inside the depth bound.
	if _, _, err := PlaceMatrix(m, 1, root); !errors.Is(err, ErrSubtreeFull) {
		t.Errorf("Expected ErrSubtreeFull on the 40th placement. Got: %v", err)
	}
}

func TestAncestorAndLevel(t *testing.T) {
	m := NewMemTree()
	root := models.NodeRef{UserID: "root", Gen: 1}
	if err := m.Insert(node(models.ProgramBinary, 3, "root", 1, "", 0, 0)); err != nil {
		t.Fatalf("root insert failed: %v", err)
	}
	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		placeNext(t, m, models.ProgramBinary, 3, root, u)
	}
	// Tree: root -> (a, b); a -> (c, d); b -> (e, f).

	anc, ok, err := Ancestor(m, models.ProgramBinary, 3, "d", 2)
	if err != nil || !ok {
		t.Fatalf("Ancestor(d, 2) failed: ok=%v err=%v", ok, err)
	}
	if anc.UserID != "root" {
		t.Errorf("Expected root as d's 2nd ancestor. Got: %s", anc.UserID)
	}

	if _, ok, _ := Ancestor(m, models.ProgramBinary, 3, "d", 3); ok {
		t.Error("Expected no 3rd ancestor above d")
	}

	level, ok, err := LevelOf(m, models.ProgramBinary, 3, "f", root, 16)
	if err != nil || !ok {
		t.Fatalf("LevelOf(f, root) failed: ok=%v err=%v", ok, err)
	}
	if level != 2 {
		t.Errorf("Expected f at level 2 under root. Got: %d", level)
	}

	chain, err := UplineChain(m, mustNode(t, m, models.ProgramBinary, 3, "f"), 16)
	if err != nil {
		t.Fatalf("UplineChain failed: %v", err)
	}
	if len(chain) != 2 || chain[0].UserID != "b" || chain[1].UserID != "root" {
		t.Errorf("Expected chain [b root]. Got: %v", chainIDs(chain))
	}
}

func TestBFSIndexUnder(t *testing.T) {
	// Tree: root -> (a, b); a -> (c, d); b -> (e, f). The depth-2 cohort
	// under root is c, d, e, f in BFS order; a and b are traversed but
	// not counted.
	m := NewMemTree()
	root := models.NodeRef{UserID: "root", Gen: 1}
	if err := m.Insert(node(models.ProgramBinary, 2, "root", 1, "", 0, 0)); err != nil {
		t.Fatalf("root insert failed: %v", err)
	}
	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		placeNext(t, m, models.ProgramBinary, 2, root, u)
	}

	for i, u := range []string{"c", "d", "e", "f"} {
		idx, ok, err := BFSIndexUnder(m, models.ProgramBinary, 2, root, models.NodeRef{UserID: u, Gen: 1}, 2, 10)
		if err != nil || !ok {
			t.Fatalf("BFSIndexUnder(%s) failed: ok=%v err=%v", u, ok, err)
		}
		if idx != i {
			t.Errorf("Expected cohort index %d for %s. Got: %d", i, u, idx)
		}
	}

	// Depth-1 nodes are their own cohort.
	idx, ok, err := BFSIndexUnder(m, models.ProgramBinary, 2, root, models.NodeRef{UserID: "b", Gen: 1}, 1, 10)
	if err != nil || !ok || idx != 1 {
		t.Errorf("Expected b at depth-1 cohort index 1. Got: %d (ok=%v err=%v)", idx, ok, err)
	}

	// A cohort node outside the first two is never reserve-eligible; the
	// limit keeps the scan bounded.
	if _, ok, _ := BFSIndexUnder(m, models.ProgramBinary, 2, root, models.NodeRef{UserID: "e", Gen: 1}, 2, 2); ok {
		t.Error("Expected e outside the 2-node scan limit")
	}

	// A node at the wrong depth is never part of the cohort.
	if _, ok, _ := BFSIndexUnder(m, models.ProgramBinary, 2, root, models.NodeRef{UserID: "a", Gen: 1}, 2, 10); ok {
		t.Error("Expected a to fall outside the depth-2 cohort")
	}
}

func TestSweepover(t *testing.T) {
	up := &fakeUplines{
		referrers: map[string]string{"ada": "bob", "bob": "carol", "carol": "mother"},
		active:    map[string]bool{"carol": true, "mother": true},
	}

	// Direct parent inactive, grandparent inactive, great-grandparent holds
	// the slot: two hops.
	owner, hops, found, err := Sweepover(up, models.ProgramBinary, 5, "ada")
	if err != nil || !found {
		t.Fatalf("Sweepover failed: found=%v err=%v", found, err)
	}
	if owner != "carol" || hops != 2 {
		t.Errorf("Expected carol after 2 hops. Got: %s after %d", owner, hops)
	}

	// Parent already holds the slot: zero hops.
	owner, hops, found, err = Sweepover(up, models.ProgramBinary, 5, "carol")
	if err != nil || !found || owner != "carol" || hops != 0 {
		t.Errorf("Expected carol at 0 hops. Got: %s after %d (found=%v err=%v)", owner, hops, found, err)
	}

	// A chain that dead-ends without an active holder reports not found.
	up2 := &fakeUplines{referrers: map[string]string{"x": "y"}, active: map[string]bool{}}
	_, _, found, err = Sweepover(up2, models.ProgramBinary, 5, "x")
	if err != nil {
		t.Fatalf("Sweepover failed: %v", err)
	}
	if found {
		t.Error("Expected no eligible ancestor on a dead-end chain")
	}

	// A 100-deep inactive chain exhausts the 60-hop cap even though an
	// active holder sits above it.
	deep := &fakeUplines{referrers: map[string]string{}, active: map[string]bool{"top": true}}
	for i := 0; i < 100; i++ {
		deep.referrers[fmt.Sprintf("d%d", i)] = fmt.Sprintf("d%d", i+1)
	}
	deep.referrers["d100"] = "top"
	_, hops, found, err = Sweepover(deep, models.ProgramBinary, 5, "d0")
	if err != nil {
		t.Fatalf("Sweepover failed: %v", err)
	}
	if found {
		t.Error("Expected the 60-hop cap to stop the walk before top")
	}
	if hops != 60 {
		t.Errorf("Expected the walk to stop at 60 hops. Got: %d", hops)
	}
}

func TestInsertRejectsConflicts(t *testing.T) {
	m := NewMemTree()
	if err := m.Insert(node(models.ProgramMatrix, 1, "root", 1, "", 0, 0)); err != nil {
		t.Fatalf("root insert failed: %v", err)
	}
	if err := m.Insert(node(models.ProgramMatrix, 1, "a", 1, "root", 1, 1)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := m.Insert(node(models.ProgramMatrix, 1, "b", 1, "root", 1, 1)); err == nil {
		t.Error("Expected conflict for an occupied position")
	}
	if err := m.Insert(node(models.ProgramMatrix, 1, "a", 1, "root", 1, 2)); err == nil {
		t.Error("Expected conflict for a duplicate node")
	}
}

func TestGenerationsKeepNodesDistinct(t *testing.T) {
	// A recycled owner re-enters with generation 2; the generation-1 node
	// stays frozen in place and Node resolves to the newest one.
	m := NewMemTree()
	if err := m.Insert(node(models.ProgramMatrix, 1, "up", 1, "", 0, 0)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := m.Insert(node(models.ProgramMatrix, 1, "o", 1, "up", 1, 0)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := m.Insert(node(models.ProgramMatrix, 1, "o", 2, "up", 1, 1)); err != nil {
		t.Fatalf("re-entry insert failed: %v", err)
	}

	n, ok, err := m.Node(models.ProgramMatrix, 1, "o")
	if err != nil || !ok {
		t.Fatalf("Node(o) failed: ok=%v err=%v", ok, err)
	}
	if n.Generation != 2 || n.Position != 1 {
		t.Errorf("Expected newest node gen 2 position 1. Got: gen %d position %d", n.Generation, n.Position)
	}

	old, ok, err := m.NodeAt(models.ProgramMatrix, 1, models.NodeRef{UserID: "o", Gen: 1})
	if err != nil || !ok {
		t.Fatalf("NodeAt(o, gen 1) failed: ok=%v err=%v", ok, err)
	}
	if old.Position != 0 {
		t.Errorf("Expected frozen gen-1 node at position 0. Got: %d", old.Position)
	}
}

type fakeUplines struct {
	referrers map[string]string
	active    map[string]bool
}

func (f *fakeUplines) ReferrerOf(userID string) (string, bool, error) {
	r, ok := f.referrers[userID]
	return r, ok, nil
}

func (f *fakeUplines) SlotActive(_ models.Program, _ int, userID string) (bool, error) {
	return f.active[userID], nil
}

func mustNode(t *testing.T, m *MemTree, p models.Program, slot int, user string) *models.TreeNode {
	t.Helper()
	n, ok, err := m.Node(p, slot, user)
	if err != nil || !ok {
		t.Fatalf("node %s missing: ok=%v err=%v", user, ok, err)
	}
	return n
}

func chainIDs(chain []*models.TreeNode) []string {
	ids := make([]string, len(chain))
	for i, n := range chain {
		ids[i] = n.UserID
	}
	return ids
}
