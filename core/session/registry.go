package session

import (
	"sync"

	"go.uber.org/zap"
)

// Registry owns the live Session instances of a node, one per session id.
// Sessions are created lazily and live until evicted. On role changes
// (stepdown/step-up) the whole registry is invalidated so every session
// re-reads its authoritative record before its next use.
type Registry struct {
	store   RecordStore
	history HistorySource
	faults  WriteFaultPolicy
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[SessionID]*Session
}

// NewRegistry creates an empty registry. faults may be nil.
func NewRegistry(store RecordStore, history HistorySource, faults WriteFaultPolicy, logger *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		history:  history,
		faults:   faults,
		logger:   logger,
		sessions: make(map[SessionID]*Session),
	}
}

// GetOrCreate returns the Session for the given id, creating it if this is
// the first use. The returned session may still be invalid; callers refresh
// it before trusting its state.
func (r *Registry) GetOrCreate(id SessionID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := NewSession(id, r.store, r.history, r.faults, r.logger)
	r.sessions[id] = s
	r.logger.Debug("Created session", zap.String("session_id", id.String()))
	return s
}

// Evict removes the session from the registry. Goroutines still holding the
// instance keep a working but orphaned session; the next GetOrCreate builds
// a fresh one that starts invalid.
func (r *Registry) Evict(id SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// InvalidateAll invalidates every live session. Used on stepdown/step-up,
// when any cached view may be stale.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		s.Invalidate()
	}
	r.logger.Info("Invalidated all sessions", zap.Int("count", len(r.sessions)))
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
