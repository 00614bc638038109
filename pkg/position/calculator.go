package position

import (
	"sort"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mitem"
	"pagesync/pkg/model/mposition"
)

// Pure ordering calculations over a read-only snapshot of item instances.
// Nothing in this file mutates state or performs I/O.

// ReorderOp is a single order reassignment a calculation produced.
type ReorderOp struct {
	ItemID   idwrap.IDWrap
	OldOrder int
	NewOrder int
}

// Calculation is the outcome of an insert/move/remove computation. Reorders
// lists only items whose order actually changes; the subject item itself is
// reported through NewOrder, not Reorders.
type Calculation struct {
	NewOrder    int
	AffectedIDs []idwrap.IDWrap
	Reorders    []ReorderOp
}

// ValidatePosition checks structural validity of a position. It returns all
// failed checks rather than stopping at the first.
func ValidatePosition(p mposition.Position) []ValidationError {
	var errs []ValidationError
	if p.PageID == "" {
		errs = append(errs, ValidationError{Field: "pageId", Message: "must be a non-empty string", err: ErrEmptyScope})
	}
	if p.SectionID == "" {
		errs = append(errs, ValidationError{Field: "sectionId", Message: "must be a non-empty string", err: ErrEmptyScope})
	}
	if p.Order < 0 {
		errs = append(errs, ValidationError{Field: "order", Message: "must be >= 0", err: ErrNegativeOrder})
	}
	if p.ParentID != nil && p.ParentID.IsZero() {
		errs = append(errs, ValidationError{Field: "parentId", Message: "must be a valid id when present"})
	}
	return errs
}

// scopeItems filters the snapshot down to one ordering scope, excluding the
// given item id, sorted by current order. Equal orders tie-break on id so the
// outcome never depends on snapshot iteration order.
func scopeItems(scope mposition.Scope, existing []mitem.ItemInstance, exclude idwrap.IDWrap) []mitem.ItemInstance {
	items := make([]mitem.ItemInstance, 0, len(existing))
	for _, it := range existing {
		if !it.IsActive {
			continue
		}
		if it.ID == exclude {
			continue
		}
		if it.Position.Scope() == scope {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position.Order != items[j].Position.Order {
			return items[i].Position.Order < items[j].Position.Order
		}
		return items[i].ID.Compare(items[j].ID) < 0
	})
	return items
}

// CalculateInsert shifts every same-scope item at or after the target order up
// by one and yields the target order for the new item. O(n) in scope size.
func CalculateInsert(target mposition.Position, existing []mitem.ItemInstance) Calculation {
	calc := Calculation{NewOrder: target.Order}
	for _, it := range scopeItems(target.Scope(), existing, idwrap.IDWrap{}) {
		if it.Position.Order >= target.Order {
			calc.Reorders = append(calc.Reorders, ReorderOp{
				ItemID:   it.ID,
				OldOrder: it.Position.Order,
				NewOrder: it.Position.Order + 1,
			})
			calc.AffectedIDs = append(calc.AffectedIDs, it.ID)
		}
	}
	return calc
}

// CalculateMove computes the reorders for moving an item. Within one scope it
// shifts only the items strictly between the old and new order; across scopes
// it behaves as a remove from the old scope followed by an insert into the new.
func CalculateMove(itemID idwrap.IDWrap, oldPos, newPos mposition.Position, existing []mitem.ItemInstance) Calculation {
	if oldPos.SameScope(newPos) {
		return calculateScopedReorder(itemID, oldPos, newPos, existing)
	}

	calc := Calculation{NewOrder: newPos.Order}

	// Close the gap the item leaves behind.
	for _, it := range scopeItems(oldPos.Scope(), existing, itemID) {
		if it.Position.Order > oldPos.Order {
			calc.Reorders = append(calc.Reorders, ReorderOp{
				ItemID:   it.ID,
				OldOrder: it.Position.Order,
				NewOrder: it.Position.Order - 1,
			})
			calc.AffectedIDs = append(calc.AffectedIDs, it.ID)
		}
	}

	// Make room in the destination scope.
	for _, it := range scopeItems(newPos.Scope(), existing, itemID) {
		if it.Position.Order >= newPos.Order {
			calc.Reorders = append(calc.Reorders, ReorderOp{
				ItemID:   it.ID,
				OldOrder: it.Position.Order,
				NewOrder: it.Position.Order + 1,
			})
			calc.AffectedIDs = append(calc.AffectedIDs, it.ID)
		}
	}
	return calc
}

func calculateScopedReorder(itemID idwrap.IDWrap, oldPos, newPos mposition.Position, existing []mitem.ItemInstance) Calculation {
	calc := Calculation{NewOrder: newPos.Order}
	if oldPos.Order == newPos.Order {
		return calc
	}

	movingDown := newPos.Order > oldPos.Order
	for _, it := range scopeItems(oldPos.Scope(), existing, itemID) {
		order := it.Position.Order
		var shifted int
		switch {
		case movingDown && order > oldPos.Order && order <= newPos.Order:
			shifted = order - 1
		case !movingDown && order >= newPos.Order && order < oldPos.Order:
			shifted = order + 1
		default:
			continue
		}
		calc.Reorders = append(calc.Reorders, ReorderOp{ItemID: it.ID, OldOrder: order, NewOrder: shifted})
		calc.AffectedIDs = append(calc.AffectedIDs, it.ID)
	}
	return calc
}

// CalculateRemove shifts trailing same-scope items down by one to close the
// gap the removed item leaves.
func CalculateRemove(itemID idwrap.IDWrap, pos mposition.Position, existing []mitem.ItemInstance) Calculation {
	calc := Calculation{NewOrder: -1}
	for _, it := range scopeItems(pos.Scope(), existing, itemID) {
		if it.Position.Order > pos.Order {
			calc.Reorders = append(calc.Reorders, ReorderOp{
				ItemID:   it.ID,
				OldOrder: it.Position.Order,
				NewOrder: it.Position.Order - 1,
			})
			calc.AffectedIDs = append(calc.AffectedIDs, it.ID)
		}
	}
	return calc
}

// Normalize reassigns contiguous orders 0..n-1 within a scope, preserving the
// current relative order. Only items whose order changes are reported, so a
// second call right after applying the result yields nothing.
func Normalize(scope mposition.Scope, existing []mitem.ItemInstance) []ReorderOp {
	items := scopeItems(scope, existing, idwrap.IDWrap{})
	var ops []ReorderOp
	for i, it := range items {
		if it.Position.Order != i {
			ops = append(ops, ReorderOp{ItemID: it.ID, OldOrder: it.Position.Order, NewOrder: i})
		}
	}
	return ops
}
