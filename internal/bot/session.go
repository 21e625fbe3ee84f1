package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSessionFinalized is returned by every session operation except Finalize
// once the session has been finalized.
var ErrSessionFinalized = errors.New("session finalized")

// Player is the decision logic a bot author supplies for one match.
type Player interface {
	// Query returns the bot's decision for the current game state.
	Query(ctx context.Context, params json.RawMessage) (any, error)
}

// Initializer receives the opening game state. Optional.
type Initializer interface {
	Initialize(ctx context.Context, params json.RawMessage) error
}

// Updater receives state changes after each turn. Optional.
type Updater interface {
	Update(ctx context.Context, params json.RawMessage) error
}

// Finalizer receives the end-of-game notification. Optional.
type Finalizer interface {
	Finalize(ctx context.Context, params json.RawMessage) error
}

// Phase is a session lifecycle state.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitialized
	PhaseReady
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseInitialized:
		return "initialized"
	case PhaseReady:
		return "ready"
	case PhaseFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Session is one match's bot state. Hooks the Player does not implement are
// no-ops. A Session belongs to a single connection and is not safe for
// concurrent use.
type Session struct {
	player  Player
	phase   Phase
	queries int
}

// NewSession wraps p in a fresh session.
func NewSession(p Player) *Session {
	return &Session{player: p}
}

func (s *Session) Phase() Phase { return s.phase }

// QueryCount reports how many queries completed successfully.
func (s *Session) QueryCount() int { return s.queries }

// Player returns the wrapped decision logic.
func (s *Session) Player() Player { return s.player }

func (s *Session) Initialize(ctx context.Context, params json.RawMessage) error {
	if s.phase == PhaseFinalized {
		return ErrSessionFinalized
	}
	if h, ok := s.player.(Initializer); ok {
		if err := h.Initialize(ctx, params); err != nil {
			return err
		}
	}
	s.phase = PhaseInitialized
	return nil
}

func (s *Session) Query(ctx context.Context, params json.RawMessage) (any, error) {
	if s.phase == PhaseFinalized {
		return nil, ErrSessionFinalized
	}
	out, err := s.player.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	s.queries++
	return out, nil
}

func (s *Session) Update(ctx context.Context, params json.RawMessage) error {
	if s.phase == PhaseFinalized {
		return ErrSessionFinalized
	}
	if h, ok := s.player.(Updater); ok {
		if err := h.Update(ctx, params); err != nil {
			return err
		}
	}
	s.phase = PhaseReady
	return nil
}

// Finalize ends the session. Calling it again is a no-op and the Finalizer
// hook runs at most once. The session is finalized even if the hook fails.
func (s *Session) Finalize(ctx context.Context, params json.RawMessage) error {
	if s.phase == PhaseFinalized {
		return nil
	}
	s.phase = PhaseFinalized
	if h, ok := s.player.(Finalizer); ok {
		return h.Finalize(ctx, params)
	}
	return nil
}
