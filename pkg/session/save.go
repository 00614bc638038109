package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mevent"
	"pagesync/pkg/permission"
	"pagesync/pkg/remote"
)

// ContentKey joins page and key into the optimistic-update map key.
func ContentKey(page, key string) string {
	return page + ":" + key
}

// SaveContent runs the optimistic save pipeline for one content value:
// record the optimistic update, emit the change event (local first, then
// network), then issue the remote write with the expected version. The server
// response commits or rolls back the optimistic record.
func (c *Controller) SaveContent(ctx context.Context, key, value, contentType, page string) error {
	if err := permission.Check(ctx, c.checker, c.userID, capContentWrite); err != nil {
		return err
	}

	// Placeholder text never reaches the store.
	if c.isPlaceholder(value) {
		return nil
	}

	contentKey := ContentKey(page, key)

	c.mu.Lock()
	record, inFlight := c.optimistic[contentKey]
	oldValue := c.values[contentKey]
	if inFlight {
		// Extend the in-flight record; the original value stays put so a
		// rollback of the whole chain converges to the pre-optimistic state.
		oldValue = record.NewValue
		record.NewValue = value
		record.Timestamp = time.Now()
	} else {
		record = OptimisticUpdate{
			OriginalValue: oldValue,
			NewValue:      value,
			Timestamp:     time.Now(),
		}
	}
	c.optimistic[contentKey] = record
	c.values[contentKey] = value
	expectedVersion := c.versions[contentKey]
	c.mu.Unlock()

	c.setSaveState(SaveStateSaving)

	evt, err := mevent.New(mevent.EventContentChange, page, c.userID, mevent.ContentChange{
		ContentKey:  contentKey,
		OldValue:    oldValue,
		NewValue:    value,
		ContentType: contentType,
	})
	if err == nil {
		evt.Version = expectedVersion
		if routeErr := c.router.Route(evt); routeErr != nil {
			c.logger.Warn("optimistic emit network leg failed", "contentKey", contentKey, "error", routeErr)
		}
	} else {
		c.logger.Error("optimistic event build failed", "contentKey", contentKey, "error", err)
	}

	result, err := c.store.SaveContent(ctx, remote.SaveRequest{
		Key:             key,
		Value:           value,
		Type:            contentType,
		Page:            page,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		var conflict *remote.ConflictError
		if errors.As(err, &conflict) {
			c.handleSaveConflict(contentKey, page, contentType, conflict)
			return fmt.Errorf("save %s: %w", contentKey, err)
		}
		c.rollback(contentKey, page, contentType)
		c.setSaveState(SaveStateError)
		return fmt.Errorf("save %s: %w", contentKey, err)
	}

	// Commit against the latest optimistic state: a later edit may have
	// extended the record while this write was in flight.
	c.mu.Lock()
	latest := c.optimistic[contentKey]
	c.versions[contentKey] = result.Version
	c.values[contentKey] = latest.NewValue
	delete(c.optimistic, contentKey)
	c.mu.Unlock()

	c.setSaveState(SaveStateSaved)
	return nil
}

// handleSaveConflict records the ConflictItem, rolls the optimistic chain
// back and flips the pipeline to conflict.
func (c *Controller) handleSaveConflict(contentKey, page, contentType string, conflict *remote.ConflictError) {
	c.mu.Lock()
	record := c.optimistic[contentKey]
	c.mu.Unlock()

	item := mconflict.ConflictItem{
		ID:            idwrap.NewNow(),
		Kind:          mconflict.KindContent,
		ContentKey:    contentKey,
		LocalVersion:  record.NewValue,
		RemoteVersion: conflict.CurrentValue,
		ConflictedAt:  time.Now(),
		ConflictedBy:  conflict.LastModifiedBy,
	}
	c.appendConflicts([]mconflict.ConflictItem{item})

	c.rollback(contentKey, page, contentType)
	c.setSaveState(SaveStateConflict)
}

// rollback re-emits the content change with old and new values swapped so
// local state and every subscriber reconverge to the pre-optimistic value,
// then clears the optimistic record.
func (c *Controller) rollback(contentKey, page, contentType string) {
	c.mu.Lock()
	record, ok := c.optimistic[contentKey]
	if ok {
		c.values[contentKey] = record.OriginalValue
		delete(c.optimistic, contentKey)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	evt, err := mevent.New(mevent.EventContentChange, page, c.userID, mevent.ContentChange{
		ContentKey:  contentKey,
		OldValue:    record.NewValue,
		NewValue:    record.OriginalValue,
		ContentType: contentType,
	})
	if err != nil {
		c.logger.Error("rollback event build failed", "contentKey", contentKey, "error", err)
		return
	}
	if routeErr := c.router.Route(evt); routeErr != nil {
		c.logger.Warn("rollback emit network leg failed", "contentKey", contentKey, "error", routeErr)
	}
}

// ContentValue reports the session's current local value for a content key.
func (c *Controller) ContentValue(page, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[ContentKey(page, key)]
}

// ContentVersion reports the last server-confirmed version for a content key.
func (c *Controller) ContentVersion(page, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[ContentKey(page, key)]
}

func (c *Controller) isPlaceholder(value string) bool {
	if strings.TrimSpace(value) == "" {
		return true
	}
	return c.placeholders[value]
}

// setSaveState publishes the transition and schedules the auto-reset back to
// idle for terminal states.
func (c *Controller) setSaveState(state SaveState) {
	c.mu.Lock()
	c.saveState = state
	c.saveGen++
	gen := c.saveGen
	c.mu.Unlock()

	c.states.Publish(TopicSaveState, StateChange{Topic: TopicSaveState, SaveState: state})

	if state == SaveStateSaved || state == SaveStateConflict || state == SaveStateError {
		time.AfterFunc(c.resetAfter, func() {
			c.mu.Lock()
			// Only reset if no newer transition happened meanwhile.
			if c.saveGen != gen {
				c.mu.Unlock()
				return
			}
			c.saveState = SaveStateIdle
			c.saveGen++
			c.mu.Unlock()
			c.states.Publish(TopicSaveState, StateChange{Topic: TopicSaveState, SaveState: SaveStateIdle})
		})
	}
}
