package canvas

import (
	"log/slog"
	"sync"
	"time"
)

// MaxViewsPerSession caps how many document views one session keeps mounted. Mounting another
// view closes the session's least recently used one.
const MaxViewsPerSession = 8

type viewKey struct {
	session       string
	spreadsheetID string
}

type mountedView struct {
	state    *State
	lastUsed time.Time
}

// Registry owns one State per mounted document view, keyed by session and spreadsheet id.
type Registry struct {
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	views map[viewKey]*mountedView
}

// NewRegistry creates an empty Registry.
func NewRegistry(refresher Refresher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		views:     make(map[viewKey]*mountedView),
	}
}

// Mount returns the state for the view, creating it on first mount.
func (r *Registry) Mount(session, spreadsheetID string, notifier Notifier) *State {
	key := viewKey{session: session, spreadsheetID: spreadsheetID}

	r.mu.Lock()
	now := r.now()
	if view, ok := r.views[key]; ok {
		view.lastUsed = now
		r.mu.Unlock()
		return view.state
	}

	state := NewState(r.refresher, notifier, r.logger.With("spreadsheet_id", spreadsheetID))
	state.SetSpreadsheetID(spreadsheetID)
	r.views[key] = &mountedView{state: state, lastUsed: now}
	evicted := r.evictLocked(session, key)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
		r.logger.Debug("closed least recently used document view", "spreadsheet_id", evicted.SpreadsheetID())
	}
	return state
}

// evictLocked removes the session's least recently used view, other than keep, once the session
// is over MaxViewsPerSession.
func (r *Registry) evictLocked(session string, keep viewKey) *State {
	var (
		count  int
		oldest viewKey
		found  bool
	)
	for key, view := range r.views {
		if key.session != session {
			continue
		}
		count++
		if key == keep {
			continue
		}
		if !found || view.lastUsed.Before(r.views[oldest].lastUsed) {
			oldest, found = key, true
		}
	}
	if count <= MaxViewsPerSession || !found {
		return nil
	}
	state := r.views[oldest].state
	delete(r.views, oldest)
	return state
}

// Lookup returns the mounted state for the view, if any.
func (r *Registry) Lookup(session, spreadsheetID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[viewKey{session: session, spreadsheetID: spreadsheetID}]
	if !ok {
		return nil, false
	}
	return view.state, true
}

// Unmount tears down one view.
func (r *Registry) Unmount(session, spreadsheetID string) {
	key := viewKey{session: session, spreadsheetID: spreadsheetID}

	r.mu.Lock()
	view, ok := r.views[key]
	delete(r.views, key)
	r.mu.Unlock()

	if ok {
		view.state.Close()
	}
}

// UnmountSession tears down every view of a session, e.g. on sign-out.
func (r *Registry) UnmountSession(session string) int {
	return r.closeWhere(func(key viewKey, _ *mountedView) bool {
		return key.session == session
	})
}

// Sweep tears down views that have not been mounted for longer than idle.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	return r.closeWhere(func(_ viewKey, view *mountedView) bool {
		return view.lastUsed.Before(cutoff)
	})
}

// Close tears down every mounted view and reports how many there were.
func (r *Registry) Close() int {
	return r.closeWhere(func(viewKey, *mountedView) bool { return true })
}

func (r *Registry) closeWhere(match func(viewKey, *mountedView) bool) int {
	r.mu.Lock()
	var closing []*State
	for key, view := range r.views {
		if match(key, view) {
			closing = append(closing, view.state)
			delete(r.views, key)
		}
	}
	r.mu.Unlock()

	for _, state := range closing {
		state.Close()
	}
	return len(closing)
}

// Len reports the number of mounted views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
