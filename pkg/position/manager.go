package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mevent"
	"pagesync/pkg/model/mitem"
	"pagesync/pkg/model/mposition"
)

// DefaultPendingWindow is how long a move holds its target slot for
// concurrent-move arbitration.
const DefaultPendingWindow = time.Second

// Store is the registry surface the manager drives. Implemented by
// sitem.Registry.
type Store interface {
	Instance(id idwrap.IDWrap) (mitem.ItemInstance, error)
	InstancesForPage(pageID string) []mitem.ItemInstance
	UpdateInstance(id idwrap.IDWrap, update mitem.InstanceUpdate, userID string) (mitem.ItemInstance, error)
	DeleteInstance(id idwrap.IDWrap) bool
}

// Emitter receives the events successful mutations produce. Emission is
// best-effort: a failed emit never rolls back an applied mutation.
type Emitter interface {
	Route(evt mevent.RealtimeEvent) error
}

// MoveResult reports a move outcome. Success false with a non-empty Conflicts
// list means the request was parked in the pending-slot table and may still be
// applied by the deferred resolver.
type MoveResult struct {
	Success     bool
	NewOrder    int
	AffectedIDs []idwrap.IDWrap
	Conflicts   []mconflict.ConflictItem
}

type pendingMove struct {
	itemID  idwrap.IDWrap
	userID  string
	newPos  mposition.Position
	applied bool
}

// Manager turns position-change intents into atomic registry mutations and
// arbitrates concurrent intents that target the same slot. The pending table
// is the only structure touched from two call sites (the initiating move and
// the deferred resolver); mu is its single-writer guard.
type Manager struct {
	store  Store
	em     Emitter
	logger *slog.Logger
	window time.Duration

	mu      sync.Mutex
	pending map[mposition.SlotKey]*pendingMove
}

type ManagerOption func(*Manager)

func WithEmitter(em Emitter) ManagerOption {
	return func(m *Manager) { m.em = em }
}

func WithPendingWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.window = d }
}

func NewManager(store Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		logger:  logger,
		window:  DefaultPendingWindow,
		pending: make(map[mposition.SlotKey]*pendingMove),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MoveComponent validates and applies a move. When another user's move is
// already pending for the exact target slot the request does not apply
// directly: it takes over the pending slot and the deferred resolver applies
// whichever request is still registered when the window elapses. Last
// registrant wins within the window; this is a documented heuristic, not
// consensus.
func (m *Manager) MoveComponent(id idwrap.IDWrap, newPos mposition.Position, userID string) (*MoveResult, error) {
	if errs := ValidatePosition(newPos); len(errs) > 0 {
		return nil, errs[0]
	}

	item, err := m.store.Instance(id)
	if err != nil {
		return nil, fmt.Errorf("move %s: %w", id, err)
	}
	items := m.moveSnapshot(item, newPos)

	if newPos.ParentID != nil {
		if ok, reason := CanMoveToParent(id, *newPos.ParentID, items); !ok {
			return nil, MoveDenied{Reason: reason}
		}
	}

	slot := newPos.SlotKey()
	m.mu.Lock()
	if entry, busy := m.pending[slot]; busy && entry.userID != userID {
		// Slot contested: park this request as the new registrant and report
		// the conflict. The resolver already scheduled for this slot will
		// apply it when the window closes.
		m.pending[slot] = &pendingMove{itemID: id, userID: userID, newPos: newPos}
		m.mu.Unlock()

		conflict := mconflict.ConflictItem{
			ID:            idwrap.NewNow(),
			Kind:          mconflict.KindStructure,
			ComponentID:   id.String(),
			LocalVersion:  fmt.Sprintf("order:%d", newPos.Order),
			RemoteVersion: fmt.Sprintf("order:%d", entry.newPos.Order),
			ConflictedAt:  time.Now(),
			ConflictedBy:  entry.userID,
		}
		return &MoveResult{Success: false, Conflicts: []mconflict.ConflictItem{conflict}}, nil
	}

	m.pending[slot] = &pendingMove{itemID: id, userID: userID, newPos: newPos, applied: true}
	time.AfterFunc(m.window, func() { m.resolveSlot(slot) })
	m.mu.Unlock()

	result, err := m.applyMove(item, newPos, userID, items)
	if err != nil {
		m.clearSlot(slot)
		return nil, err
	}
	return result, nil
}

// resolveSlot fires once per registered slot after the pending window. If a
// contesting request replaced the original registrant, it is applied now.
func (m *Manager) resolveSlot(slot mposition.SlotKey) {
	m.mu.Lock()
	entry, ok := m.pending[slot]
	delete(m.pending, slot)
	m.mu.Unlock()
	if !ok || entry.applied {
		return
	}

	item, err := m.store.Instance(entry.itemID)
	if err != nil {
		m.logger.Warn("deferred move dropped, item gone",
			"itemId", entry.itemID.String(), "userId", entry.userID)
		return
	}
	items := m.moveSnapshot(item, entry.newPos)
	if _, err := m.applyMove(item, entry.newPos, entry.userID, items); err != nil {
		m.logger.Error("deferred move failed",
			"itemId", entry.itemID.String(), "error", err)
	}
}

// moveSnapshot gathers the items a move calculation must see. A cross-page
// move needs the source page too, so the gap it leaves there gets closed.
func (m *Manager) moveSnapshot(item mitem.ItemInstance, newPos mposition.Position) []mitem.ItemInstance {
	items := m.store.InstancesForPage(newPos.PageID)
	if item.Position.PageID != newPos.PageID {
		items = append(items, m.store.InstancesForPage(item.Position.PageID)...)
	}
	return items
}

func (m *Manager) clearSlot(slot mposition.SlotKey) {
	m.mu.Lock()
	delete(m.pending, slot)
	m.mu.Unlock()
}

func (m *Manager) applyMove(item mitem.ItemInstance, newPos mposition.Position, userID string, items []mitem.ItemInstance) (*MoveResult, error) {
	oldPos := item.Position
	calc := CalculateMove(item.ID, oldPos, newPos, items)

	if err := m.applyReorders(calc.Reorders, userID); err != nil {
		return nil, err
	}
	applied := newPos
	applied.Order = calc.NewOrder
	if _, err := m.store.UpdateInstance(item.ID, mitem.InstanceUpdate{Position: &applied}, userID); err != nil {
		return nil, fmt.Errorf("move %s: %w", item.ID, err)
	}

	m.emit(mevent.EventComponentMove, newPos.PageID, userID, mevent.ComponentMove{
		ComponentID:        item.ID,
		OldPosition:        oldPos,
		NewPosition:        applied,
		AffectedComponents: calc.AffectedIDs,
	})
	return &MoveResult{Success: true, NewOrder: calc.NewOrder, AffectedIDs: calc.AffectedIDs}, nil
}

// InsertComponent positions an already-registered instance at target, shifting
// same-scope siblings out of the way.
func (m *Manager) InsertComponent(id idwrap.IDWrap, target mposition.Position, userID string) (*MoveResult, error) {
	if errs := ValidatePosition(target); len(errs) > 0 {
		return nil, errs[0]
	}
	item, err := m.store.Instance(id)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", id, err)
	}
	items := m.store.InstancesForPage(target.PageID)

	calc := CalculateInsert(target, items)
	if err := m.applyReorders(calc.Reorders, userID); err != nil {
		return nil, err
	}
	applied := target
	applied.Order = calc.NewOrder
	if _, err := m.store.UpdateInstance(id, mitem.InstanceUpdate{Position: &applied}, userID); err != nil {
		return nil, fmt.Errorf("insert %s: %w", id, err)
	}

	m.emit(mevent.EventComponentAdd, target.PageID, userID, mevent.ComponentAdd{
		ComponentID:   id,
		ComponentType: item.Type,
		Position:      applied,
		Props:         item.Props,
	})
	return &MoveResult{Success: true, NewOrder: calc.NewOrder, AffectedIDs: calc.AffectedIDs}, nil
}

// RemoveComponent deletes an item and every descendant, then closes the
// sibling gap. The registry itself never cascades; tree semantics live here.
func (m *Manager) RemoveComponent(id idwrap.IDWrap, userID string) (*MoveResult, error) {
	item, err := m.store.Instance(id)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", id, err)
	}
	items := m.store.InstancesForPage(item.Position.PageID)

	removed := Descendants(id, items)
	for _, descID := range removed {
		m.store.DeleteInstance(descID)
	}
	m.store.DeleteInstance(id)

	calc := CalculateRemove(id, item.Position, items)
	// Descendants are gone; do not reorder them.
	reorders := calc.Reorders[:0]
	affected := calc.AffectedIDs[:0]
	gone := make(map[idwrap.IDWrap]bool, len(removed))
	for _, r := range removed {
		gone[r] = true
	}
	for i, op := range calc.Reorders {
		if !gone[op.ItemID] {
			reorders = append(reorders, op)
			affected = append(affected, calc.AffectedIDs[i])
		}
	}
	if err := m.applyReorders(reorders, userID); err != nil {
		return nil, err
	}

	m.emit(mevent.EventComponentDelete, item.Position.PageID, userID, mevent.ComponentDelete{
		ComponentID:        id,
		Position:           item.Position,
		RemovedComponents:  removed,
		AffectedComponents: affected,
	})
	return &MoveResult{Success: true, NewOrder: -1, AffectedIDs: affected}, nil
}

// ReorderComponents rewrites the order of a scope to match orderedIDs.
func (m *Manager) ReorderComponents(scope mposition.Scope, orderedIDs []idwrap.IDWrap, userID string) error {
	items := m.store.InstancesForPage(scope.PageID)
	inScope := make(map[idwrap.IDWrap]mitem.ItemInstance)
	for _, it := range items {
		if it.IsActive && it.Position.Scope() == scope {
			inScope[it.ID] = it
		}
	}
	if len(orderedIDs) != len(inScope) {
		return fmt.Errorf("position: reorder expects %d ids for scope %s, got %d", len(inScope), scope, len(orderedIDs))
	}
	for i, id := range orderedIDs {
		it, ok := inScope[id]
		if !ok {
			return fmt.Errorf("position: reorder id %s not in scope %s: %w", id, scope, ErrItemNotFound)
		}
		if it.Position.Order == i {
			continue
		}
		pos := it.Position
		pos.Order = i
		if _, err := m.store.UpdateInstance(id, mitem.InstanceUpdate{Position: &pos}, userID); err != nil {
			return fmt.Errorf("reorder %s: %w", id, err)
		}
	}
	return nil
}

// NormalizeSection compacts a scope's order values to 0..n-1. Applied
// opportunistically; calling it twice in a row is a no-op the second time.
func (m *Manager) NormalizeSection(scope mposition.Scope, userID string) (int, error) {
	items := m.store.InstancesForPage(scope.PageID)
	ops := Normalize(scope, items)
	if err := m.applyReorders(ops, userID); err != nil {
		return 0, err
	}
	return len(ops), nil
}

func (m *Manager) applyReorders(ops []ReorderOp, userID string) error {
	for _, op := range ops {
		it, err := m.store.Instance(op.ItemID)
		if err != nil {
			return fmt.Errorf("reorder %s: %w", op.ItemID, err)
		}
		pos := it.Position
		pos.Order = op.NewOrder
		if _, err := m.store.UpdateInstance(op.ItemID, mitem.InstanceUpdate{Position: &pos}, userID); err != nil {
			return fmt.Errorf("reorder %s: %w", op.ItemID, err)
		}
	}
	return nil
}

func (m *Manager) emit(eventType mevent.EventType, pageName, userID string, payload any) {
	if m.em == nil {
		return
	}
	evt, err := mevent.New(eventType, pageName, userID, payload)
	if err != nil {
		m.logger.Error("event build failed", "type", string(eventType), "error", err)
		return
	}
	if err := m.em.Route(evt); err != nil {
		m.logger.Warn("event emit failed", "type", string(eventType), "error", err)
	}
}
