package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pagesync/pkg/eventrouter"
	"pagesync/pkg/eventstream"
	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mevent"
	"pagesync/pkg/model/mitem"
	"pagesync/pkg/model/mposition"
	"pagesync/pkg/model/mpresence"
	"pagesync/pkg/permission"
	"pagesync/pkg/position"
	"pagesync/pkg/presence"
	"pagesync/pkg/remote"
	"pagesync/pkg/service/sitem"
)

// Capabilities the inbound operations require. Denial is a hard failure
// checked before any optimistic mutation.
var (
	capPageJoin        = permission.Capability{Resource: "pages", Operation: "join"}
	capPageLeave       = permission.Capability{Resource: "pages", Operation: "leave"}
	capPresenceUpdate  = permission.Capability{Resource: "presence", Operation: "update"}
	capContentWrite    = permission.Capability{Resource: "content", Operation: "write"}
	capComponentAdd    = permission.Capability{Resource: "components", Operation: "add"}
	capComponentMove   = permission.Capability{Resource: "components", Operation: "move"}
	capComponentDelete = permission.Capability{Resource: "components", Operation: "delete"}
	capConflictResolve = permission.Capability{Resource: "conflicts", Operation: "resolve"}
)

// Persistence is the remote store contract the controller depends on.
// Implemented by remote.Client.
type Persistence interface {
	SaveContent(ctx context.Context, req remote.SaveRequest) (remote.SaveResult, error)
	CreateComponent(ctx context.Context, req remote.ComponentRequest) error
	UpdateComponent(ctx context.Context, req remote.ComponentRequest) error
	DeleteComponent(ctx context.Context, id idwrap.IDWrap) error
	ResolveConflict(ctx context.Context, id idwrap.IDWrap, resolution mconflict.Resolution) error
}

// DefaultStateReset is how long saved/conflict/error states linger before the
// pipeline returns to idle.
const DefaultStateReset = 3 * time.Second

// Controller wires registry, position manager, presence tracker, router and
// remote client together for one user session. It owns the optimistic-update
// bookkeeping, the content version counters and the save/rollback/conflict
// pipeline, and publishes every state transition through its streamer.
type Controller struct {
	logger   *slog.Logger
	checker  permission.Checker
	store    Persistence
	registry *sitem.Registry
	posman   *position.Manager
	tracker  *presence.Tracker
	router   *eventrouter.Router

	userID   string
	userName string

	states       eventstream.Streamer[StateTopic, StateChange]
	resetAfter   time.Duration
	placeholders map[string]bool

	mu         sync.Mutex
	optimistic map[string]OptimisticUpdate
	versions   map[string]string
	values     map[string]string
	conflicts  []mconflict.ConflictItem
	saveState  SaveState
	saveGen    uint64
	connStatus ConnStatus
}

type Option func(*Controller)

func WithStateReset(d time.Duration) Option {
	return func(c *Controller) { c.resetAfter = d }
}

// WithPlaceholders sets the values treated as UI placeholder text; saving one
// is a no-op. The empty string is always a placeholder.
func WithPlaceholders(values ...string) Option {
	return func(c *Controller) {
		c.placeholders = make(map[string]bool, len(values))
		for _, v := range values {
			c.placeholders[v] = true
		}
	}
}

type Deps struct {
	Logger   *slog.Logger
	Checker  permission.Checker
	Store    Persistence
	Registry *sitem.Registry
	Manager  *position.Manager
	Tracker  *presence.Tracker
	Router   *eventrouter.Router
}

func NewController(userID, userName string, deps Deps, opts ...Option) *Controller {
	c := &Controller{
		logger:     deps.Logger,
		checker:    deps.Checker,
		store:      deps.Store,
		registry:   deps.Registry,
		posman:     deps.Manager,
		tracker:    deps.Tracker,
		router:     deps.Router,
		userID:     userID,
		userName:   userName,
		states:     eventstream.NewInMemory[StateTopic, StateChange](),
		resetAfter: DefaultStateReset,
		placeholders: map[string]bool{
			"Enter text...":  true,
			"Add content...": true,
		},
		optimistic: make(map[string]OptimisticUpdate),
		versions:   make(map[string]string),
		values:     make(map[string]string),
		saveState:  SaveStateIdle,
		connStatus: ConnDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Remote edits keep the local mirrors current: content values for later
	// rollbacks and saves, registry instances for the page tree itself.
	_ = c.router.Register(mevent.EventContentChange, c.onContentChange)
	_ = c.router.Register(mevent.EventComponentAdd, c.onComponentAdd)
	_ = c.router.Register(mevent.EventComponentMove, c.onComponentMove)
	_ = c.router.Register(mevent.EventComponentDelete, c.onComponentDelete)

	return c
}

// SubscribeState exposes every engine state transition without polling. The
// snapshot delivers current save state, conflicts and connection status
// before live events.
func (c *Controller) SubscribeState(ctx context.Context, filter eventstream.TopicFilter[StateTopic]) (<-chan eventstream.Event[StateTopic, StateChange], error) {
	return c.states.Subscribe(ctx, filter, eventstream.WithSnapshot(c.stateSnapshot))
}

func (c *Controller) stateSnapshot(filter eventstream.TopicFilter[StateTopic]) []eventstream.Event[StateTopic, StateChange] {
	c.mu.Lock()
	saveState := c.saveState
	conflicts := append([]mconflict.ConflictItem(nil), c.conflicts...)
	conn := c.connStatus
	c.mu.Unlock()

	all := []eventstream.Event[StateTopic, StateChange]{
		{Topic: TopicSaveState, Payload: StateChange{Topic: TopicSaveState, SaveState: saveState}},
		{Topic: TopicConflicts, Payload: StateChange{Topic: TopicConflicts, Conflicts: conflicts}},
		{Topic: TopicConnection, Payload: StateChange{Topic: TopicConnection, Connection: conn}},
	}
	out := all[:0]
	for _, evt := range all {
		if filter(evt.Topic) {
			out = append(out, evt)
		}
	}
	return out
}

// JoinPage registers this session's presence on a page.
func (c *Controller) JoinPage(ctx context.Context, page string) error {
	if err := permission.Check(ctx, c.checker, c.userID, capPageJoin); err != nil {
		return err
	}
	c.tracker.Join(page, mpresence.EditorPresence{
		UserID:   c.userID,
		UserName: c.userName,
		Action:   mpresence.ActionIdle,
	})
	c.publishPresence(page)
	return nil
}

// LeavePage removes this session's presence immediately.
func (c *Controller) LeavePage(ctx context.Context, page string) error {
	if err := permission.Check(ctx, c.checker, c.userID, capPageLeave); err != nil {
		return err
	}
	c.tracker.Leave(page, c.userID)
	c.publishPresence(page)
	return nil
}

// UpdatePresence reports which component this session is editing (or idle).
func (c *Controller) UpdatePresence(ctx context.Context, page, componentID string, action mpresence.Action) error {
	if err := permission.Check(ctx, c.checker, c.userID, capPresenceUpdate); err != nil {
		return err
	}
	c.tracker.UpdatePresence(page, c.userID, mpresence.Update{
		ComponentID: componentID,
		Action:      action,
	})
	c.publishPresence(page)
	return nil
}

// Heartbeat refreshes this session's presence entry.
func (c *Controller) Heartbeat(page string) {
	c.tracker.Heartbeat(page, c.userID)
}

// AddComponent creates, validates and positions a new component. The local
// mutation is optimistic: a failed remote write removes it again.
func (c *Controller) AddComponent(ctx context.Context, itemType string, target mposition.Position, props map[string]any) (mitem.ItemInstance, error) {
	if err := permission.Check(ctx, c.checker, c.userID, capComponentAdd); err != nil {
		return mitem.ItemInstance{}, err
	}

	inst, warnings, err := c.registry.CreateInstance(itemType, props, c.userID)
	if err != nil {
		return mitem.ItemInstance{}, err
	}
	for _, w := range warnings {
		c.logger.Warn("component prop warning", "type", itemType, "warning", w)
	}

	if _, err := c.posman.InsertComponent(inst.ID, target, c.userID); err != nil {
		c.registry.DeleteInstance(inst.ID)
		return mitem.ItemInstance{}, err
	}
	inst, err = c.registry.Instance(inst.ID)
	if err != nil {
		return mitem.ItemInstance{}, err
	}

	if err := c.store.CreateComponent(ctx, remote.ComponentRequest{
		ID:       inst.ID,
		Type:     inst.Type,
		Position: inst.Position,
		Props:    inst.Props,
	}); err != nil {
		if _, rbErr := c.posman.RemoveComponent(inst.ID, c.userID); rbErr != nil {
			c.logger.Error("add rollback failed", "componentId", inst.ID.String(), "error", rbErr)
		}
		c.setSaveState(SaveStateError)
		return mitem.ItemInstance{}, fmt.Errorf("add component: %w", err)
	}
	return inst, nil
}

// MoveComponent applies a position change. A structural conflict from the
// pending-slot table surfaces on the conflict list; a failed remote write
// moves the component back.
func (c *Controller) MoveComponent(ctx context.Context, id idwrap.IDWrap, newPos mposition.Position) (*position.MoveResult, error) {
	if err := permission.Check(ctx, c.checker, c.userID, capComponentMove); err != nil {
		return nil, err
	}

	before, err := c.registry.Instance(id)
	if err != nil {
		return nil, err
	}
	oldPos := before.Position

	result, err := c.posman.MoveComponent(id, newPos, c.userID)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		c.appendConflicts(result.Conflicts)
		return result, nil
	}

	moved, err := c.registry.Instance(id)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateComponent(ctx, remote.ComponentRequest{
		ID:       id,
		Position: moved.Position,
	}); err != nil {
		if _, rbErr := c.posman.MoveComponent(id, oldPos, c.userID); rbErr != nil {
			c.logger.Error("move rollback failed", "componentId", id.String(), "error", rbErr)
		}
		c.setSaveState(SaveStateError)
		return nil, fmt.Errorf("move component: %w", err)
	}
	return result, nil
}

// DeleteComponent removes a component and its descendants. A failed remote
// write restores the captured instances verbatim.
func (c *Controller) DeleteComponent(ctx context.Context, id idwrap.IDWrap) error {
	if err := permission.Check(ctx, c.checker, c.userID, capComponentDelete); err != nil {
		return err
	}

	root, err := c.registry.Instance(id)
	if err != nil {
		return err
	}
	items := c.registry.InstancesForPage(root.Position.PageID)
	captured := []mitem.ItemInstance{root}
	for _, descID := range position.Descendants(id, items) {
		if desc, err := c.registry.Instance(descID); err == nil {
			captured = append(captured, desc)
		}
	}

	removed, err := c.posman.RemoveComponent(id, c.userID)
	if err != nil {
		return err
	}

	if err := c.store.DeleteComponent(ctx, id); err != nil {
		for _, inst := range captured {
			c.registry.Restore(inst)
		}
		// Undo the gap-close shifts so the restored root reclaims its exact
		// slot instead of racing a shifted sibling for it.
		for _, affID := range removed.AffectedIDs {
			aff, instErr := c.registry.Instance(affID)
			if instErr != nil {
				continue
			}
			pos := aff.Position
			pos.Order++
			if _, rbErr := c.registry.UpdateInstance(affID, mitem.InstanceUpdate{Position: &pos}, c.userID); rbErr != nil {
				c.logger.Error("delete rollback failed", "componentId", affID.String(), "error", rbErr)
			}
		}
		c.setSaveState(SaveStateError)
		return fmt.Errorf("delete component: %w", err)
	}
	return nil
}

// ResolveConflict applies a caller-chosen strategy remotely and drops the
// conflict from the list on success.
func (c *Controller) ResolveConflict(ctx context.Context, conflictID idwrap.IDWrap, resolution mconflict.Resolution) error {
	if err := permission.Check(ctx, c.checker, c.userID, capConflictResolve); err != nil {
		return err
	}
	if !resolution.Valid() {
		return fmt.Errorf("resolve %s: unknown resolution %q", conflictID, resolution)
	}

	c.mu.Lock()
	found := false
	for _, item := range c.conflicts {
		if item.ID == conflictID {
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return fmt.Errorf("resolve %s: %w", conflictID, mconflict.ErrConflictNotFound)
	}

	if err := c.store.ResolveConflict(ctx, conflictID, resolution); err != nil {
		return fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	c.mu.Lock()
	kept := c.conflicts[:0]
	for _, item := range c.conflicts {
		if item.ID != conflictID {
			kept = append(kept, item)
		}
	}
	c.conflicts = kept
	conflicts := append([]mconflict.ConflictItem(nil), c.conflicts...)
	c.mu.Unlock()

	c.states.Publish(TopicConflicts, StateChange{Topic: TopicConflicts, Conflicts: conflicts})
	return nil
}

// Conflicts returns the current conflict list.
func (c *Controller) Conflicts() []mconflict.ConflictItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mconflict.ConflictItem(nil), c.conflicts...)
}

// SaveStateNow reports the current pipeline state.
func (c *Controller) SaveStateNow() SaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveState
}

// SetConnectionStatus is called by the transport on connect/disconnect.
func (c *Controller) SetConnectionStatus(status ConnStatus) {
	c.mu.Lock()
	changed := c.connStatus != status
	c.connStatus = status
	c.mu.Unlock()
	if changed {
		c.states.Publish(TopicConnection, StateChange{Topic: TopicConnection, Connection: status})
	}
}

// ConnectionStatus reports the last transport status.
func (c *Controller) ConnectionStatus() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connStatus
}

// Shutdown closes all state subscriptions.
func (c *Controller) Shutdown() {
	c.states.Shutdown()
}

func (c *Controller) publishPresence(page string) {
	c.states.Publish(TopicPresence, StateChange{
		Topic:    TopicPresence,
		Page:     page,
		Presence: c.tracker.Snapshot(page),
	})
}

func (c *Controller) appendConflicts(items []mconflict.ConflictItem) {
	if len(items) == 0 {
		return
	}
	c.mu.Lock()
	c.conflicts = append(c.conflicts, items...)
	conflicts := append([]mconflict.ConflictItem(nil), c.conflicts...)
	c.mu.Unlock()
	c.states.Publish(TopicConflicts, StateChange{Topic: TopicConflicts, Conflicts: conflicts})
}

// onContentChange mirrors content values carried by routed events, including
// edits delivered from other sessions.
func (c *Controller) onContentChange(evt mevent.RealtimeEvent) {
	payload, err := mevent.DecodePayload[mevent.ContentChange](evt)
	if err != nil {
		c.logger.Warn("bad content change payload", "eventId", evt.ID, "error", err)
		return
	}
	if evt.UserID == c.userID {
		return
	}
	c.mu.Lock()
	c.values[payload.ContentKey] = payload.NewValue
	if evt.Version != "" {
		c.versions[payload.ContentKey] = evt.Version
	}
	c.mu.Unlock()
}

// The structural mirrors below apply peers' tree edits straight to the local
// registry. Shifts are recomputed from the same snapshot shape the sender
// used, so both sides converge; nothing is re-emitted through the router.

func (c *Controller) onComponentAdd(evt mevent.RealtimeEvent) {
	if evt.UserID == c.userID {
		return
	}
	payload, err := mevent.DecodePayload[mevent.ComponentAdd](evt)
	if err != nil {
		c.logger.Warn("bad component add payload", "eventId", evt.ID, "error", err)
		return
	}
	items := c.registry.InstancesForPage(payload.Position.PageID)
	calc := position.CalculateInsert(payload.Position, items)
	c.applyRemoteReorders(calc.Reorders, evt.UserID)
	c.registry.Restore(mitem.ItemInstance{
		ID:             payload.ComponentID,
		Type:           payload.ComponentType,
		Position:       payload.Position,
		Props:          payload.Props,
		Version:        1,
		CreatedBy:      evt.UserID,
		CreatedAt:      evt.Timestamp,
		LastModifiedBy: evt.UserID,
		LastModifiedAt: evt.Timestamp,
		IsActive:       true,
	})
}

func (c *Controller) onComponentMove(evt mevent.RealtimeEvent) {
	if evt.UserID == c.userID {
		return
	}
	payload, err := mevent.DecodePayload[mevent.ComponentMove](evt)
	if err != nil {
		c.logger.Warn("bad component move payload", "eventId", evt.ID, "error", err)
		return
	}
	before, err := c.registry.Instance(payload.ComponentID)
	if err != nil {
		c.logger.Warn("remote move for unknown component", "componentId", payload.ComponentID.String())
		return
	}
	items := c.registry.InstancesForPage(payload.NewPosition.PageID)
	if before.Position.PageID != payload.NewPosition.PageID {
		items = append(items, c.registry.InstancesForPage(before.Position.PageID)...)
	}
	calc := position.CalculateMove(payload.ComponentID, before.Position, payload.NewPosition, items)
	c.applyRemoteReorders(calc.Reorders, evt.UserID)
	applied := payload.NewPosition
	applied.Order = calc.NewOrder
	if _, err := c.registry.UpdateInstance(payload.ComponentID, mitem.InstanceUpdate{Position: &applied}, evt.UserID); err != nil {
		c.logger.Warn("remote move failed", "componentId", payload.ComponentID.String(), "error", err)
	}
}

func (c *Controller) onComponentDelete(evt mevent.RealtimeEvent) {
	if evt.UserID == c.userID {
		return
	}
	payload, err := mevent.DecodePayload[mevent.ComponentDelete](evt)
	if err != nil {
		c.logger.Warn("bad component delete payload", "eventId", evt.ID, "error", err)
		return
	}
	root, err := c.registry.Instance(payload.ComponentID)
	if err != nil {
		return
	}
	items := c.registry.InstancesForPage(root.Position.PageID)
	gone := map[idwrap.IDWrap]bool{payload.ComponentID: true}
	for _, descID := range position.Descendants(payload.ComponentID, items) {
		gone[descID] = true
		c.registry.DeleteInstance(descID)
	}
	c.registry.DeleteInstance(payload.ComponentID)

	calc := position.CalculateRemove(payload.ComponentID, root.Position, items)
	reorders := calc.Reorders[:0]
	for _, op := range calc.Reorders {
		if !gone[op.ItemID] {
			reorders = append(reorders, op)
		}
	}
	c.applyRemoteReorders(reorders, evt.UserID)
}

func (c *Controller) applyRemoteReorders(ops []position.ReorderOp, userID string) {
	for _, op := range ops {
		inst, err := c.registry.Instance(op.ItemID)
		if err != nil {
			continue
		}
		pos := inst.Position
		pos.Order = op.NewOrder
		if _, err := c.registry.UpdateInstance(op.ItemID, mitem.InstanceUpdate{Position: &pos}, userID); err != nil {
			c.logger.Warn("remote reorder failed", "itemId", op.ItemID.String(), "error", err)
		}
	}
}

// RemoteJoin records a peer's arrival observed on the wire and republishes
// the page snapshot. Implements wsrelay.PresenceSink.
func (c *Controller) RemoteJoin(page, userID, userName string) {
	if userID == c.userID {
		return
	}
	c.tracker.Join(page, mpresence.EditorPresence{
		UserID:   userID,
		UserName: userName,
		Action:   mpresence.ActionIdle,
	})
	c.publishPresence(page)
}

// RemoteHeartbeat refreshes a peer's liveness without republishing.
func (c *Controller) RemoteHeartbeat(page, userID string) {
	if userID == c.userID {
		return
	}
	c.tracker.Heartbeat(page, userID)
}

// RemoteLeave drops a peer observed leaving and republishes the snapshot.
func (c *Controller) RemoteLeave(page, userID string) {
	if userID == c.userID {
		return
	}
	c.tracker.Leave(page, userID)
	c.publishPresence(page)
}
