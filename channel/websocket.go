// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocket constructs a transport that exchanges frames as text messages on
// ws. Sent frames must be []byte or string; received frames have type []byte.
func WebSocket(ws *websocket.Conn) *WSTransport { return &WSTransport{ws: ws} }

// A WSTransport sends and receives frames as WebSocket text messages.
type WSTransport struct {
	ws *websocket.Conn
}

// DialWebSocket dials a WebSocket server at the given URL and returns a
// transport for the resulting connection.
func DialWebSocket(ctx context.Context, url string) (*WSTransport, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}
	return WebSocket(ws), nil
}

// AcceptWebSocket upgrades an HTTP request to a WebSocket and returns a
// transport for the resulting connection.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WSTransport, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return WebSocket(ws), nil
}

// Send implements a method of the [Transport] interface.
func (t *WSTransport) Send(ctx context.Context, frame any) error {
	switch f := frame.(type) {
	case []byte:
		return t.ws.Write(ctx, websocket.MessageText, f)
	case string:
		return t.ws.Write(ctx, websocket.MessageText, []byte(f))
	default:
		return fmt.Errorf("unsupported frame type %T", frame)
	}
}

// Recv implements a method of the [Transport] interface. A normal closure by
// the remote peer is reported as io.EOF.
func (t *WSTransport) Recv(ctx context.Context) (any, error) {
	_, data, err := t.ws.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Close implements a method of the [Transport] interface.
func (t *WSTransport) Close() error {
	err := t.ws.Close(websocket.StatusNormalClosure, "")
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
