// Package rpctest provides an in-memory rpc.Transport for tests.
package rpctest

import (
	"context"
	"sync"

	"github.com/basket/turfbot/internal/rpc"
)

// Transport queues inbound messages on a channel and records every message
// sent through it.
type Transport struct {
	Remote string
	Route  string

	// SendErr, when set, is returned by Send and the message is not recorded.
	SendErr error

	in        chan []byte
	closeOnce sync.Once

	mu   sync.Mutex
	sent [][]byte
}

// New returns an open transport that buffers up to size pending messages.
func New(size int) *Transport {
	return &Transport{
		Remote: "127.0.0.1:50000",
		Route:  "/",
		in:     make(chan []byte, size),
	}
}

// Script returns a transport preloaded with msgs and already closed, so an
// endpoint running on it handles every message and then stops.
func Script(msgs ...string) *Transport {
	t := New(len(msgs))
	for _, m := range msgs {
		t.Push(m)
	}
	t.Close()
	return t
}

// Push queues one inbound message.
func (t *Transport) Push(msg string) {
	t.in <- []byte(msg)
}

// Close ends the inbound stream once queued messages are drained.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.in) })
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-t.in:
		if !ok {
			return nil, rpc.ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Send(_ context.Context, msg []byte) error {
	if t.SendErr != nil {
		return t.SendErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), msg...))
	return nil
}

func (t *Transport) RemoteAddr() string { return t.Remote }
func (t *Transport) Path() string       { return t.Route }

// Sent returns a copy of every message sent so far, in order.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}
