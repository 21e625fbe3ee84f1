// Package rpc implements a receive-only JSON-RPC 2.0 endpoint bound to a
// single message transport.
//
// An Endpoint reads whole text messages from its Transport, dispatches
// requests against a statically declared method table and writes exactly one
// response per accepted request. Malformed messages are logged and dropped.
// The endpoint never issues requests of its own, so incoming responses are
// rejected with ErrUnsupportedResponse.
package rpc

import (
	"context"
	"errors"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Wire error codes.
const (
	CodeMethodNotFound = -32601
	CodeFail           = -32000
)

// PrivatePrefix marks method names that are never reachable remotely.
const PrivatePrefix = "_"

var (
	// ErrClosed is returned by Transport.Receive when the peer closed the channel.
	ErrClosed = errors.New("transport closed")

	// ErrUnsupportedResponse is reported for any inbound response message.
	ErrUnsupportedResponse = errors.New("unsupported operation: endpoint does not issue requests")
)

// Transport is an established bidirectional message channel.
type Transport interface {
	// Receive blocks until a whole message arrives. It returns an error
	// matching ErrClosed once the channel is closed.
	Receive(ctx context.Context) ([]byte, error)

	// Send writes one whole message. Writes on one transport are ordered.
	Send(ctx context.Context, msg []byte) error

	RemoteAddr() string
	Path() string
}
