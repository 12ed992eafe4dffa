// Package canvas holds the shared state of a mounted document view.
package canvas

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"flyn/internal/api"
)

// DefaultCanvasName is shown until the document view learns the canvas name.
const DefaultCanvasName = "Loading Canvas..."

const (
	msgMissingID     = "Canvas ID not found, cannot refresh."
	msgRefreshing    = "Refreshing schema..."
	msgRefreshed     = "Schema refreshed successfully!"
	msgRefreshFailed = "Failed to refresh schema."
	msgTimedOut      = "Refreshing the schema timed out. Please try again."
	msgUnreachable   = "Could not reach the Flyn service. Please try again."
)

var (
	// ErrMissingSpreadsheetID is returned when a refresh is requested without a spreadsheet id.
	ErrMissingSpreadsheetID = errors.New("canvas: spreadsheet id is required")
	// ErrSuperseded is returned by a refresh that a newer refresh replaced.
	ErrSuperseded = errors.New("canvas: refresh superseded by a newer request")
	// ErrClosed is returned when the document view was torn down.
	ErrClosed = errors.New("canvas: state is closed")
)

// Refresher triggers a backend schema refresh.
type Refresher interface {
	RefreshSchema(ctx context.Context, spreadsheetID string) (*api.StatusMessage, error)
}

// Notifier shows progress to the user. Success and Error update the notification with the given id in place.
type Notifier interface {
	Loading(message string) string
	Success(id, message string) string
	Error(id, message string) string
	Dismiss(id string)
}

// State is the document view's current canvas identity and refresh status.
// A newer RefreshSchema supersedes an older one; after Close nothing settles into the state.
type State struct {
	refresher Refresher
	notifier  Notifier
	logger    *slog.Logger

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	mu            sync.Mutex
	canvasName    string
	spreadsheetID string
	refreshing    bool
	generation    uint64
	cancel        context.CancelFunc
	toastID       string
	closed        bool
}

// NewState creates the state for one document view.
func NewState(refresher Refresher, notifier Notifier, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &State{
		refresher:  refresher,
		notifier:   notifier,
		logger:     logger,
		lifetime:   lifetime,
		stop:       stop,
		canvasName: DefaultCanvasName,
	}
}

func (s *State) CanvasName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvasName
}

func (s *State) SetCanvasName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.canvasName = name
	}
}

func (s *State) SpreadsheetID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spreadsheetID
}

func (s *State) SetSpreadsheetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.spreadsheetID = id
	}
}

// IsRefreshing reports whether the latest refresh is still in flight.
func (s *State) IsRefreshing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshing
}

// RefreshSchema runs a schema refresh and blocks until it settles.
// The call is cancelled when ctx ends, when a newer refresh starts, or when the state is closed.
func (s *State) RefreshSchema(ctx context.Context, spreadsheetID string) error {
	run, err := s.begin(ctx, spreadsheetID)
	if err != nil {
		return err
	}
	return run()
}

// StartRefresh begins a schema refresh bound to the view's lifetime and returns without waiting.
// ctx only supplies request-scoped values such as the session; its cancellation is ignored.
// IsRefreshing is already true when it returns.
func (s *State) StartRefresh(ctx context.Context, spreadsheetID string) error {
	run, err := s.begin(context.WithoutCancel(ctx), spreadsheetID)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = run()
	}()
	return nil
}

// Wait blocks until refreshes started with StartRefresh have returned.
func (s *State) Wait() {
	s.wg.Wait()
}

// Close tears the view down: in-flight work is cancelled and its outcome discarded.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.refreshing = false
	toastID := s.toastID
	s.toastID = ""
	s.mu.Unlock()

	s.stop()
	if toastID != "" {
		s.notifier.Dismiss(toastID)
	}
}

func (s *State) begin(ctx context.Context, spreadsheetID string) (func() error, error) {
	if spreadsheetID == "" {
		s.notifier.Error("", msgMissingID)
		s.logger.Error("no spreadsheet id available to refresh")
		return nil, ErrMissingSpreadsheetID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.generation++
	generation := s.generation
	if s.cancel != nil {
		s.cancel()
	}
	callCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.refreshing = true
	// A superseding refresh takes over the notification of the one it replaces.
	if s.toastID == "" {
		s.toastID = s.notifier.Loading(msgRefreshing)
	}
	toastID := s.toastID
	s.mu.Unlock()

	return func() error {
		stopAfter := context.AfterFunc(s.lifetime, cancel)
		_, err := s.refresher.RefreshSchema(callCtx, spreadsheetID)
		stopAfter()
		cancel()
		return s.settle(generation, toastID, spreadsheetID, err)
	}, nil
}

func (s *State) settle(generation uint64, toastID, spreadsheetID string, err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if generation != s.generation {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.refreshing = false
	s.cancel = nil
	s.toastID = ""
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("schema refresh failed", "spreadsheet_id", spreadsheetID, "error", err)
		s.notifier.Error(toastID, failureMessage(err))
		return err
	}
	s.notifier.Success(toastID, msgRefreshed)
	return nil
}

// failureMessage prefers the backend's own message. Transport failures get a readable message
// without the internal URL they carry.
func failureMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return msgTimedOut
		}
		return msgUnreachable
	}
	return msgRefreshFailed
}

type stateContextKey struct{}

// WithState attaches the document view's state to ctx.
func WithState(ctx context.Context, state *State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, state)
}

// FromContext returns the state attached by WithState.
func FromContext(ctx context.Context) (*State, bool) {
	state, ok := ctx.Value(stateContextKey{}).(*State)
	return state, ok && state != nil
}

// MustFromContext returns the attached state and panics outside a document view.
func MustFromContext(ctx context.Context) *State {
	state, ok := FromContext(ctx)
	if !ok {
		panic("canvas: state must be used within a document view")
	}
	return state
}
