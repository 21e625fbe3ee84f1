package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/coder/websocket"
)

// serveCannedReply accepts a websocket, reads one message and answers with
// reply regardless of what was asked.
func serveCannedReply(t *testing.T, w http.ResponseWriter, r *http.Request, reply string) {
	t.Helper()
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	defer conn.CloseNow()
	ctx := context.Background()
	if _, _, err := conn.Read(ctx); err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte(reply))
	// Wait for the client to hang up.
	_, _, _ = conn.Read(ctx)
}
