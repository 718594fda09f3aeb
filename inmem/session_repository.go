package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
)

// SessionRepository is an in-memory domain.SessionRepository used by the
// "memory" storage backend and by tests. Writes copy the record so callers
// never observe a half-applied transition.
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[string]*domain.Session),
	}
}

func (r *SessionRepository) Get(_ context.Context, agentID string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[agentID]
	if !ok {
		return nil, serrors.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *SessionRepository) Upsert(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *session
	r.sessions[session.AgentID] = &cp
	return nil
}

func (r *SessionRepository) ListByState(_ context.Context, state domain.SessionState) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Session
	for _, s := range r.sessions {
		if s.State == state {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *SessionRepository) ListStaleConnected(_ context.Context, cutoff time.Time) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Session
	for _, s := range r.sessions {
		if s.State == domain.SessionStateConnected && s.LastSeen.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ domain.SessionRepository = (*SessionRepository)(nil)
