package position

import (
	"fmt"
	"sort"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mitem"
)

// HierarchyNode is one item in the parent/child forest of a page.
type HierarchyNode struct {
	Item     mitem.ItemInstance
	Depth    int
	Children []*HierarchyNode
}

// BuildHierarchy builds the forest formed by ParentID links. Items whose
// parent reference points at a missing item are kept as roots rather than
// dropped. Children are sorted by order, depth is parent depth + 1.
func BuildHierarchy(pageID string, items []mitem.ItemInstance) []*HierarchyNode {
	nodes := make(map[idwrap.IDWrap]*HierarchyNode)
	for _, it := range items {
		if !it.IsActive || it.Position.PageID != pageID {
			continue
		}
		nodes[it.ID] = &HierarchyNode{Item: it}
	}

	var roots []*HierarchyNode
	for _, node := range nodes {
		parentID := node.Item.Position.ParentID
		if parentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*parentID]
		if !ok {
			// Orphaned parent reference; treat as root.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortNodes(roots)
	for _, root := range roots {
		assignDepth(root, 0)
	}
	return roots
}

func sortNodes(nodes []*HierarchyNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Item.Position.Order < nodes[j].Item.Position.Order
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

func assignDepth(node *HierarchyNode, depth int) {
	node.Depth = depth
	for _, child := range node.Children {
		assignDepth(child, depth+1)
	}
}

// Descendants returns every item reachable from itemID via child links. The
// item itself is never part of the result.
func Descendants(itemID idwrap.IDWrap, items []mitem.ItemInstance) []idwrap.IDWrap {
	children := make(map[idwrap.IDWrap][]idwrap.IDWrap)
	for _, it := range items {
		if !it.IsActive || it.Position.ParentID == nil {
			continue
		}
		children[*it.Position.ParentID] = append(children[*it.Position.ParentID], it.ID)
	}

	var result []idwrap.IDWrap
	visited := map[idwrap.IDWrap]bool{itemID: true}
	queue := children[itemID]
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		result = append(result, current)
		queue = append(queue, children[current]...)
	}
	return result
}

// CanMoveToParent rejects parent assignments that would make an item its own
// ancestor. This is the sole cycle prevention mechanism and must be consulted
// before any move is applied.
func CanMoveToParent(itemID, newParentID idwrap.IDWrap, items []mitem.ItemInstance) (bool, string) {
	if itemID == newParentID {
		return false, "an item cannot be its own parent"
	}
	for _, desc := range Descendants(itemID, items) {
		if desc == newParentID {
			return false, fmt.Sprintf("item %s is a descendant of %s", newParentID, itemID)
		}
	}
	return true, ""
}
