package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"

	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/utils/logging"
)

var (
	ErrSessionNotFound = goerr.New("session not found")
	ErrSessionClosing  = goerr.New("session is closing")
)

// Session is one live streaming connection. Calls against a session must be
// bracketed with BeginCall/EndCall so Close can wait for in-flight work.
type Session struct {
	id       model.SessionID
	identity model.Identity

	mu       sync.Mutex
	status   model.SessionStatus
	inFlight sync.WaitGroup
}

func (s *Session) ID() model.SessionID       { return s.id }
func (s *Session) Identity() model.Identity  { return s.identity }
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Registry tracks live sessions. A session is registered in the opening state
// before its stream endpoint is ready, activated once the endpoint has been
// sent, and removed only after every in-flight call has returned.
type Registry struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[model.SessionID]*Session),
	}
}

// Open registers a new session for the given identity in the opening state.
func (r *Registry) Open(ctx context.Context, identity model.Identity) (*Session, error) {
	if !identity.Valid() {
		return nil, goerr.New("identity is required to open a session",
			goerr.V("user", identity.UserKey), goerr.V("client", identity.ClientName))
	}

	s := &Session{
		id:       model.SessionID(ulid.Make().String()),
		identity: identity,
		status:   model.SessionOpening,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	logging.From(ctx).Debug("session opened",
		slog.String("session_id", string(s.id)),
		slog.String("user", identity.UserKey),
		slog.String("client", identity.ClientName),
	)
	return s, nil
}

// Activate marks an opening session as ready to accept calls.
func (r *Registry) Activate(id model.SessionID) error {
	s, ok := r.lookup(id)
	if !ok {
		return goerr.Wrap(ErrSessionNotFound, "cannot activate", goerr.V("session_id", id))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.SessionOpening {
		return goerr.New("session is not opening",
			goerr.V("session_id", id), goerr.V("status", s.status))
	}
	s.status = model.SessionActive
	return nil
}

// BeginCall reserves the session for one tool call. It fails once the session
// has started closing, so new work never races with teardown. Every
// successful BeginCall must be paired with EndCall.
func (r *Registry) BeginCall(id model.SessionID) (*Session, error) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, goerr.Wrap(ErrSessionNotFound, "cannot begin call", goerr.V("session_id", id))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case model.SessionActive:
	case model.SessionClosing, model.SessionClosed:
		return nil, goerr.Wrap(ErrSessionClosing, "cannot begin call", goerr.V("session_id", id))
	default:
		return nil, goerr.New("session is not active",
			goerr.V("session_id", id), goerr.V("status", s.status))
	}
	s.inFlight.Add(1)
	return s, nil
}

// EndCall releases a reservation made by BeginCall.
func (r *Registry) EndCall(s *Session) {
	s.inFlight.Done()
}

// Close transitions the session to closing, waits for in-flight calls to
// drain, then removes it from the registry. Closing an unknown session is a
// no-op so that every stream exit path can call it unconditionally.
func (r *Registry) Close(ctx context.Context, id model.SessionID) {
	s, ok := r.lookup(id)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.status == model.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.status = model.SessionClosing
	s.mu.Unlock()

	s.inFlight.Wait()

	s.mu.Lock()
	s.status = model.SessionClosed
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	logging.From(ctx).Debug("session closed", slog.String("session_id", string(id)))
}

// Len reports the number of registered sessions, in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id model.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}
