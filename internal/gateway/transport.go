package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"

	"github.com/basket/turfbot/internal/rpc"
)

// wsTransport adapts one websocket connection to rpc.Transport.
type wsTransport struct {
	conn       *websocket.Conn
	remoteAddr string
	path       string
}

func newTransport(conn *websocket.Conn, remoteAddr, path string, readLimit int64) *wsTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsTransport{conn: conn, remoteAddr: remoteAddr, path: path}
}

// Receive accepts text and binary frames alike. A close frame from the peer
// or a dropped socket is reported as rpc.ErrClosed.
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if isClosed(err) {
			return nil, fmt.Errorf("%w: %v", rpc.ErrClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

func (t *wsTransport) RemoteAddr() string { return t.remoteAddr }

func (t *wsTransport) Path() string { return t.path }

func isClosed(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
