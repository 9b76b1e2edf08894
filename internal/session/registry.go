package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/dpalomar/voxline/internal/memory"
	"github.com/dpalomar/voxline/internal/observability"
	"github.com/dpalomar/voxline/internal/vad"
)

var (
	ErrDuplicateSession = errors.New("session: call already registered")
	ErrNotFound         = errors.New("session: call not found")
)

// Registry tracks the live calls and owns the dependencies shared by all of
// them. One Call per call SID at a time.
type Registry struct {
	settings Settings
	clients  Clients
	store    memory.Store
	metrics  *observability.Metrics
	log      *slog.Logger

	vadSampleRate     int
	vadAggressiveness int

	mu    sync.RWMutex
	calls map[string]*Call
}

// NewRegistry builds a registry. vadSampleRate/vadAggressiveness configure the
// per-call speech detector; an invalid combination disables voice gating for
// the silence trigger rather than failing call setup.
func NewRegistry(settings Settings, clients Clients, store memory.Store, metrics *observability.Metrics, vadSampleRate, vadAggressiveness int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		settings:          settings,
		clients:           clients,
		store:             store,
		metrics:           metrics,
		log:               log,
		vadSampleRate:     vadSampleRate,
		vadAggressiveness: vadAggressiveness,
		calls:             make(map[string]*Call),
	}
}

// Create registers a new call session. A second stream claiming an already
// registered call SID is rejected with ErrDuplicateSession.
func (r *Registry) Create(callSID string) (*Call, error) {
	detector, err := vad.New(r.vadSampleRate, r.vadAggressiveness)
	if err != nil {
		r.log.Warn("voice detector unavailable, silence trigger disabled", "err", err)
		detector = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callSID]; ok {
		return nil, ErrDuplicateSession
	}
	c := newCall(callSID, r.settings, r.clients, detector, r.store, r.metrics, r.log)
	r.calls[callSID] = c
	r.metrics.ActiveCalls.Inc()
	return c, nil
}

// Get looks up a live call.
func (r *Registry) Get(callSID string) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Remove drops a call from the registry. Removing an unknown or already
// removed call is a no-op, so teardown paths can race safely.
func (r *Registry) Remove(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callSID]; !ok {
		return
	}
	delete(r.calls, callSID)
	r.metrics.ActiveCalls.Dec()
}

// ActiveCount reports how many calls are currently registered.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
