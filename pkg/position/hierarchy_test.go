package position

import (
	"testing"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mitem"
	"pagesync/pkg/model/mposition"
)

// tree builds: root(0) -> child(0) -> grandchild(0), plus a second root(1).
func makeTree(pageID string) []mitem.ItemInstance {
	root := mitem.ItemInstance{
		ID:       idwrap.NewNow(),
		Position: mposition.Position{PageID: pageID, SectionID: "main", Order: 0},
		IsActive: true,
	}
	child := mitem.ItemInstance{
		ID:       idwrap.NewNow(),
		Position: mposition.Position{PageID: pageID, SectionID: "main", Order: 0, ParentID: &root.ID},
		IsActive: true,
	}
	grandchild := mitem.ItemInstance{
		ID:       idwrap.NewNow(),
		Position: mposition.Position{PageID: pageID, SectionID: "main", Order: 0, ParentID: &child.ID},
		IsActive: true,
	}
	other := mitem.ItemInstance{
		ID:       idwrap.NewNow(),
		Position: mposition.Position{PageID: pageID, SectionID: "main", Order: 1},
		IsActive: true,
	}
	return []mitem.ItemInstance{root, child, grandchild, other}
}

func TestBuildHierarchyDepths(t *testing.T) {
	items := makeTree("home")
	roots := BuildHierarchy("home", items)
	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].Item.ID != items[0].ID {
		t.Fatalf("roots not sorted by order")
	}
	if len(roots[0].Children) != 1 {
		t.Fatalf("root has %d children, want 1", len(roots[0].Children))
	}
	grand := roots[0].Children[0].Children[0]
	if grand.Depth != 2 {
		t.Errorf("grandchild depth = %d, want 2", grand.Depth)
	}
}

func TestBuildHierarchyOrphanBecomesRoot(t *testing.T) {
	missing := idwrap.NewNow()
	orphan := mitem.ItemInstance{
		ID:       idwrap.NewNow(),
		Position: mposition.Position{PageID: "home", SectionID: "main", Order: 0, ParentID: &missing},
		IsActive: true,
	}
	roots := BuildHierarchy("home", []mitem.ItemInstance{orphan})
	if len(roots) != 1 || roots[0].Item.ID != orphan.ID {
		t.Fatalf("orphan not promoted to root: %+v", roots)
	}
}

func TestDescendants(t *testing.T) {
	items := makeTree("home")
	descs := Descendants(items[0].ID, items)
	if len(descs) != 2 {
		t.Fatalf("got %d descendants, want 2", len(descs))
	}
	found := map[idwrap.IDWrap]bool{}
	for _, d := range descs {
		found[d] = true
	}
	if !found[items[1].ID] || !found[items[2].ID] {
		t.Errorf("descendants missing child or grandchild: %v", descs)
	}
	if found[items[0].ID] {
		t.Errorf("item listed as its own descendant")
	}
}

func TestCanMoveToParentRejectsSelf(t *testing.T) {
	items := makeTree("home")
	ok, reason := CanMoveToParent(items[0].ID, items[0].ID, items)
	if ok || reason == "" {
		t.Fatalf("self-parent allowed")
	}
}

func TestCanMoveToParentRejectsDescendant(t *testing.T) {
	items := makeTree("home")
	ok, reason := CanMoveToParent(items[0].ID, items[2].ID, items)
	if ok || reason == "" {
		t.Fatalf("cycle-producing move allowed")
	}
}

func TestCanMoveToParentAllowsSibling(t *testing.T) {
	items := makeTree("home")
	if ok, reason := CanMoveToParent(items[3].ID, items[0].ID, items); !ok {
		t.Fatalf("valid reparent denied: %s", reason)
	}
}
