package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"pagesync/pkg/model/mpresence"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTimeout           = 2 * time.Minute
	DefaultSweepInterval     = time.Minute
)

// SnapshotFunc receives the full presence snapshot of a page after every
// mutation, so subscribers can re-render without diffing.
type SnapshotFunc func(page string, editors []mpresence.EditorPresence)

// LeaveFunc is invoked when a user leaves a page, explicitly or by timeout.
type LeaveFunc func(page, userID string)

// Tracker maintains per-page maps of connected editors. Entries live from Join
// until an explicit Leave or until LastSeen ages past the timeout, whichever
// comes first. The background sweep runs independently of the heartbeat
// interval.
type Tracker struct {
	logger  *slog.Logger
	timeout time.Duration
	sweep   time.Duration

	onSnapshot SnapshotFunc
	onLeave    LeaveFunc

	mu    sync.RWMutex
	pages map[string]map[string]mpresence.EditorPresence

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Tracker)

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) { t.sweep = d }
}

func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(t *Tracker) { t.onSnapshot = fn }
}

func WithLeaveFunc(fn LeaveFunc) Option {
	return func(t *Tracker) { t.onLeave = fn }
}

// NewTracker builds a tracker and starts its sweep loop. Callers own Close.
func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		logger:  logger,
		timeout: DefaultTimeout,
		sweep:   DefaultSweepInterval,
		pages:   make(map[string]map[string]mpresence.EditorPresence),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.sweepLoop()
	return t
}

// Join inserts or overwrites the (page, user) entry. Action defaults to idle.
func (t *Tracker) Join(page string, editor mpresence.EditorPresence) {
	editor.LastSeen = time.Now()
	t.mu.Lock()
	editors, ok := t.pages[page]
	if !ok {
		editors = make(map[string]mpresence.EditorPresence)
		t.pages[page] = editors
	}
	editors[editor.UserID] = editor
	snapshot := t.snapshotLocked(page)
	t.mu.Unlock()

	t.notify(page, snapshot)
}

// UpdatePresence merges activity into an existing entry, refreshing LastSeen.
// Unknown (page, user) pairs are ignored; the caller should Join first.
func (t *Tracker) UpdatePresence(page, userID string, update mpresence.Update) {
	t.mu.Lock()
	editors, ok := t.pages[page]
	if !ok {
		t.mu.Unlock()
		return
	}
	editor, ok := editors[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	editor.Action = update.Action
	if update.ComponentID != "" || update.Action == mpresence.ActionIdle {
		editor.ComponentID = update.ComponentID
	}
	editor.LastSeen = time.Now()
	editors[userID] = editor
	snapshot := t.snapshotLocked(page)
	t.mu.Unlock()

	t.notify(page, snapshot)
}

// Heartbeat refreshes LastSeen without changing the entry otherwise. This is
// the one mutation that does not broadcast a snapshot: the visible member
// list is unchanged, and liveness surfaces through sweep evictions.
func (t *Tracker) Heartbeat(page, userID string) {
	t.mu.Lock()
	if editors, ok := t.pages[page]; ok {
		if editor, ok := editors[userID]; ok {
			editor.LastSeen = time.Now()
			editors[userID] = editor
		}
	}
	t.mu.Unlock()
}

// Leave removes the entry immediately, bypassing the timeout.
func (t *Tracker) Leave(page, userID string) {
	t.mu.Lock()
	editors, ok := t.pages[page]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, ok := editors[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(editors, userID)
	if len(editors) == 0 {
		delete(t.pages, page)
	}
	snapshot := t.snapshotLocked(page)
	t.mu.Unlock()

	if t.onLeave != nil {
		t.onLeave(page, userID)
	}
	t.notify(page, snapshot)
}

// Snapshot returns the page's editors sorted by user id.
func (t *Tracker) Snapshot(page string) []mpresence.EditorPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(page)
}

func (t *Tracker) snapshotLocked(page string) []mpresence.EditorPresence {
	editors := t.pages[page]
	out := make([]mpresence.EditorPresence, 0, len(editors))
	for _, e := range editors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SweepExpired evicts entries whose LastSeen age exceeds the timeout and
// reports how many were removed. The background loop calls this on its
// interval; tests may call it directly.
func (t *Tracker) SweepExpired() int {
	cutoff := time.Now().Add(-t.timeout)

	type eviction struct {
		page   string
		userID string
	}
	var evicted []eviction
	changed := make(map[string][]mpresence.EditorPresence)

	t.mu.Lock()
	for page, editors := range t.pages {
		removed := 0
		for userID, editor := range editors {
			if editor.LastSeen.Before(cutoff) {
				delete(editors, userID)
				evicted = append(evicted, eviction{page: page, userID: userID})
				removed++
			}
		}
		if removed > 0 {
			changed[page] = t.snapshotLocked(page)
		}
		if len(editors) == 0 {
			delete(t.pages, page)
		}
	}
	t.mu.Unlock()

	for _, ev := range evicted {
		t.logger.Info("presence timed out", "page", ev.page, "userId", ev.userID)
		if t.onLeave != nil {
			t.onLeave(ev.page, ev.userID)
		}
	}
	for page, snapshot := range changed {
		t.notify(page, snapshot)
	}
	return len(evicted)
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.SweepExpired()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tracker) notify(page string, snapshot []mpresence.EditorPresence) {
	if t.onSnapshot != nil {
		t.onSnapshot(page, snapshot)
	}
}
