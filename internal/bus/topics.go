package bus

import "time"

// Connection lifecycle topics.
const (
	TopicConnectionOpened = "connection.opened"
	TopicConnectionClosed = "connection.closed"
)

// Session lifecycle topics.
const (
	TopicSessionCreated   = "session.created"
	TopicSessionQueried   = "session.queried"
	TopicSessionFinalized = "session.finalized"
)

// ConnectionEvent is published when a host connects or disconnects.
type ConnectionEvent struct {
	ConnID     string
	RemoteAddr string
	Path       string
	At         time.Time
}

// SessionEvent is published on session creation, each successful query and
// finalization.
type SessionEvent struct {
	ConnID    string
	SessionID string
	Bot       string
	Deck      []byte // raw JSON, nil when the host picks the deck
	Queries   int
	At        time.Time
}
