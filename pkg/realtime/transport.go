package realtime

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// wsTransport adapts a coder/websocket connection to the Transport seam.
type wsTransport struct {
	conn *websocket.Conn
}

// AcceptWebSocket upgrades an HTTP request to a WebSocket transport.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, maxMessageSize int64) (Transport, *websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are the outer router's concern
	})
	if err != nil {
		return nil, nil, err
	}
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	return &wsTransport{conn: conn}, conn, nil
}

func (t *wsTransport) Write(ctx context.Context, payload []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return errors.Wrap(err, errors.KindTransportClosed, "socket write failed")
	}
	return nil
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}
