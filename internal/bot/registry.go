package bot

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownSessionError is returned when a session id does not resolve.
type UnknownSessionError struct {
	ID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session %q", e.ID)
}

// Registry maps session ids to the sessions created on one connection. It is
// owned by that connection's endpoint and is not safe for concurrent use.
// Sessions are never evicted; they live as long as the connection.
type Registry struct {
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add stores s under a freshly minted id and returns the id.
func (r *Registry) Add(s *Session) string {
	id := uuid.NewString()
	for r.sessions[id] != nil {
		id = uuid.NewString()
	}
	r.sessions[id] = s
	return id
}

func (r *Registry) Lookup(id string) (*Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, &UnknownSessionError{ID: id}
	}
	return s, nil
}

func (r *Registry) Len() int { return len(r.sessions) }
