package presence

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagesync/pkg/model/mpresence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type leaveRecorder struct {
	mu    sync.Mutex
	pairs []string
}

func (r *leaveRecorder) record(page, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, page+"/"+userID)
}

func (r *leaveRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pairs...)
}

func TestJoinAndSnapshot(t *testing.T) {
	tr := NewTracker(testLogger(), WithSweepInterval(time.Hour))
	defer tr.Close()

	tr.Join("home", mpresence.EditorPresence{UserID: "u2", UserName: "Bea"})
	tr.Join("home", mpresence.EditorPresence{UserID: "u1", UserName: "Ana"})

	snap := tr.Snapshot("home")
	require.Len(t, snap, 2)
	require.Equal(t, "u1", snap[0].UserID)
	require.Equal(t, "u2", snap[1].UserID)
	require.False(t, snap[0].LastSeen.IsZero())
}

func TestUpdatePresenceUnknownUserIgnored(t *testing.T) {
	tr := NewTracker(testLogger(), WithSweepInterval(time.Hour))
	defer tr.Close()

	tr.UpdatePresence("home", "ghost", mpresence.Update{Action: mpresence.ActionEditing})
	require.Empty(t, tr.Snapshot("home"))
}

func TestUpdatePresenceSetsComponent(t *testing.T) {
	tr := NewTracker(testLogger(), WithSweepInterval(time.Hour))
	defer tr.Close()

	tr.Join("home", mpresence.EditorPresence{UserID: "u1"})
	tr.UpdatePresence("home", "u1", mpresence.Update{
		ComponentID: "hero-title",
		Action:      mpresence.ActionEditing,
	})

	snap := tr.Snapshot("home")
	require.Len(t, snap, 1)
	require.Equal(t, mpresence.ActionEditing, snap[0].Action)
	require.Equal(t, "hero-title", snap[0].ComponentID)

	// Going idle clears the component.
	tr.UpdatePresence("home", "u1", mpresence.Update{Action: mpresence.ActionIdle})
	snap = tr.Snapshot("home")
	require.Equal(t, mpresence.ActionIdle, snap[0].Action)
	require.Empty(t, snap[0].ComponentID)
}

func TestLeaveRemovesImmediately(t *testing.T) {
	rec := &leaveRecorder{}
	tr := NewTracker(testLogger(), WithSweepInterval(time.Hour), WithLeaveFunc(rec.record))
	defer tr.Close()

	tr.Join("home", mpresence.EditorPresence{UserID: "u1"})
	tr.Leave("home", "u1")

	require.Empty(t, tr.Snapshot("home"))
	require.Equal(t, []string{"home/u1"}, rec.all())
}

func TestSweepEvictsOnlyStaleEditors(t *testing.T) {
	rec := &leaveRecorder{}
	var snapPages []string
	var snapMu sync.Mutex
	tr := NewTracker(testLogger(),
		WithTimeout(50*time.Millisecond),
		WithSweepInterval(time.Hour),
		WithLeaveFunc(rec.record),
		WithSnapshotFunc(func(page string, editors []mpresence.EditorPresence) {
			snapMu.Lock()
			snapPages = append(snapPages, page)
			snapMu.Unlock()
		}),
	)
	defer tr.Close()

	tr.Join("home", mpresence.EditorPresence{UserID: "stale"})
	tr.Join("home", mpresence.EditorPresence{UserID: "fresh"})
	tr.Join("about", mpresence.EditorPresence{UserID: "other"})

	time.Sleep(80 * time.Millisecond)
	tr.Heartbeat("home", "fresh")
	tr.Heartbeat("about", "other")

	evicted := tr.SweepExpired()
	require.Equal(t, 1, evicted)
	require.Equal(t, []string{"home/stale"}, rec.all())

	snap := tr.Snapshot("home")
	require.Len(t, snap, 1)
	require.Equal(t, "fresh", snap[0].UserID)
	require.Len(t, tr.Snapshot("about"), 1)

	// Only the changed page is re-broadcast by the sweep.
	snapMu.Lock()
	last := snapPages[len(snapPages)-1]
	snapMu.Unlock()
	require.Equal(t, "home", last)
}

func TestHeartbeatKeepsEditorAlive(t *testing.T) {
	tr := NewTracker(testLogger(), WithTimeout(60*time.Millisecond), WithSweepInterval(time.Hour))
	defer tr.Close()

	tr.Join("home", mpresence.EditorPresence{UserID: "u1"})
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		tr.Heartbeat("home", "u1")
	}
	require.Zero(t, tr.SweepExpired())
	require.Len(t, tr.Snapshot("home"), 1)
}

func TestHeartbeatDoesNotBroadcast(t *testing.T) {
	notifications := 0
	tr := NewTracker(testLogger(),
		WithSweepInterval(time.Hour),
		WithSnapshotFunc(func(string, []mpresence.EditorPresence) { notifications++ }))
	defer tr.Close()

	tr.Join("home", mpresence.EditorPresence{UserID: "u1"})
	tr.Heartbeat("home", "u1")
	tr.Heartbeat("home", "u1")
	require.Equal(t, 1, notifications)
}
