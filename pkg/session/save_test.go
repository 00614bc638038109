package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mevent"
	"pagesync/pkg/remote"
)

type eventRecorder struct {
	mu      sync.Mutex
	changes []mevent.ContentChange
}

func (r *eventRecorder) handle(evt mevent.RealtimeEvent) {
	payload, err := mevent.DecodePayload[mevent.ContentChange](evt)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.changes = append(r.changes, payload)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []mevent.ContentChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mevent.ContentChange(nil), r.changes...)
}

func TestSaveContentSuccess(t *testing.T) {
	f := newFixture(t)
	f.store.saveFn = func(req remote.SaveRequest) (remote.SaveResult, error) {
		require.Equal(t, "hero-title", req.Key)
		require.Equal(t, "home", req.Page)
		require.Empty(t, req.ExpectedVersion)
		return remote.SaveResult{Version: "5"}, nil
	}

	ch, err := f.ctrl.SubscribeState(context.Background(), func(tp StateTopic) bool {
		return tp == TopicSaveState
	})
	require.NoError(t, err)
	require.Equal(t, SaveStateIdle, waitState(t, ch).SaveState) // snapshot

	require.NoError(t, f.ctrl.SaveContent(context.Background(), "hero-title", "Welcome", "text", "home"))

	require.Equal(t, SaveStateSaving, waitState(t, ch).SaveState)
	require.Equal(t, SaveStateSaved, waitState(t, ch).SaveState)
	require.Equal(t, SaveStateIdle, waitState(t, ch).SaveState) // auto-reset

	require.Equal(t, "Welcome", f.ctrl.ContentValue("home", "hero-title"))
	require.Equal(t, "5", f.ctrl.ContentVersion("home", "hero-title"))
}

func TestSaveContentSendsExpectedVersion(t *testing.T) {
	f := newFixture(t)
	f.store.saveFn = func(req remote.SaveRequest) (remote.SaveResult, error) {
		return remote.SaveResult{Version: "3"}, nil
	}
	require.NoError(t, f.ctrl.SaveContent(context.Background(), "hero-title", "first", "text", "home"))

	f.store.saveFn = func(req remote.SaveRequest) (remote.SaveResult, error) {
		require.Equal(t, "3", req.ExpectedVersion)
		return remote.SaveResult{Version: "4"}, nil
	}
	require.NoError(t, f.ctrl.SaveContent(context.Background(), "hero-title", "second", "text", "home"))
	require.Equal(t, "4", f.ctrl.ContentVersion("home", "hero-title"))
}

func TestSaveContentPlaceholderIsNoop(t *testing.T) {
	f := newFixture(t)
	for _, value := range []string{"", "   ", "Enter text...", "Add content..."} {
		require.NoError(t, f.ctrl.SaveContent(context.Background(), "hero-title", value, "text", "home"))
	}
	require.Zero(t, f.store.saveCount())
	require.Equal(t, SaveStateIdle, f.ctrl.SaveStateNow())
}

func TestSaveContentCustomPlaceholders(t *testing.T) {
	f := newFixture(t, WithPlaceholders("Type here"))
	require.NoError(t, f.ctrl.SaveContent(context.Background(), "k", "Type here", "text", "home"))
	require.Zero(t, f.store.saveCount())

	// The defaults were replaced, so the stock placeholder now saves.
	require.NoError(t, f.ctrl.SaveContent(context.Background(), "k", "Enter text...", "text", "home"))
	require.Equal(t, 1, f.store.saveCount())
}

func TestSaveContentConflictPipeline(t *testing.T) {
	f := newFixture(t)
	rec := &eventRecorder{}
	require.NoError(t, f.router.Register(mevent.EventContentChange, rec.handle))

	f.store.saveFn = func(req remote.SaveRequest) (remote.SaveResult, error) {
		return remote.SaveResult{}, &remote.ConflictError{
			CurrentValue:   "Their title",
			LastModifiedBy: "u2",
			Message:        "stale version",
		}
	}

	err := f.ctrl.SaveContent(context.Background(), "hero-title", "My title", "text", "home")
	var conflictErr *remote.ConflictError
	require.ErrorAs(t, err, &conflictErr)

	conflicts := f.ctrl.Conflicts()
	require.Len(t, conflicts, 1)
	item := conflicts[0]
	require.Equal(t, mconflict.KindContent, item.Kind)
	require.Equal(t, "home:hero-title", item.ContentKey)
	require.Equal(t, "My title", item.LocalVersion)
	require.Equal(t, "Their title", item.RemoteVersion)
	require.Equal(t, "u2", item.ConflictedBy)

	// Local value rolled back to the pre-optimistic state.
	require.Empty(t, f.ctrl.ContentValue("home", "hero-title"))
	require.Equal(t, SaveStateConflict, f.ctrl.SaveStateNow())

	// Optimistic event first, rollback event with values swapped second.
	changes := rec.all()
	require.Len(t, changes, 2)
	require.Equal(t, "My title", changes[0].NewValue)
	require.Equal(t, changes[0].NewValue, changes[1].OldValue)
	require.Equal(t, changes[0].OldValue, changes[1].NewValue)

	// Resolving clears the list.
	require.NoError(t, f.ctrl.ResolveConflict(context.Background(), item.ID, mconflict.ResolutionAcceptRemote))
	require.Empty(t, f.ctrl.Conflicts())
}

func TestSaveContentGenericErrorRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.saveFn = func(req remote.SaveRequest) (remote.SaveResult, error) {
		return remote.SaveResult{}, errors.New("network down")
	}

	err := f.ctrl.SaveContent(context.Background(), "hero-title", "My title", "text", "home")
	require.Error(t, err)
	require.Empty(t, f.ctrl.ContentValue("home", "hero-title"))
	require.Equal(t, SaveStateError, f.ctrl.SaveStateNow())
	require.Empty(t, f.ctrl.Conflicts())
}

func TestSaveStateAutoResetsToIdle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.SaveContent(context.Background(), "k", "value", "text", "home"))
	require.Equal(t, SaveStateSaved, f.ctrl.SaveStateNow())

	require.Eventually(t, func() bool {
		return f.ctrl.SaveStateNow() == SaveStateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestExtendedEditCommitWins(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	call := 0
	f.store.saveFn = func(req remote.SaveRequest) (remote.SaveResult, error) {
		call++
		if call == 1 {
			close(started)
			<-release
			return remote.SaveResult{}, errors.New("slow write lost")
		}
		return remote.SaveResult{Version: "2"}, nil
	}

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- f.ctrl.SaveContent(context.Background(), "hero-title", "v1", "text", "home")
	}()
	<-started

	// A second edit while the first write is in flight extends the record.
	require.NoError(t, f.ctrl.SaveContent(context.Background(), "hero-title", "v2", "text", "home"))
	require.Equal(t, "v2", f.ctrl.ContentValue("home", "hero-title"))

	close(release)
	require.Error(t, <-firstErr)

	// The committed extension survives; the late failure has nothing to roll back.
	require.Equal(t, "v2", f.ctrl.ContentValue("home", "hero-title"))
	require.Equal(t, "2", f.ctrl.ContentVersion("home", "hero-title"))
}

func TestRemoteEditMirroredLocally(t *testing.T) {
	f := newFixture(t)

	evt, err := mevent.New(mevent.EventContentChange, "home", "u2", mevent.ContentChange{
		ContentKey: "home:hero-title",
		OldValue:   "",
		NewValue:   "Their title",
	})
	require.NoError(t, err)
	evt.Version = "9"
	require.NoError(t, f.router.Deliver(evt))

	require.Equal(t, "Their title", f.ctrl.ContentValue("home", "hero-title"))
	require.Equal(t, "9", f.ctrl.ContentVersion("home", "hero-title"))
}
