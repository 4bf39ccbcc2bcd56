package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport is an alternate indexer transport, for indexer servers
// fronted by a WebSocket endpoint rather than a raw TCP/TLS socket.
// Adapted from the teacher's server-side hub/pump pattern
// (internal/rpc/websocket.go), turned inside out into a client dialer:
// the same send-channel/ping-ticker writePump shape, paired with a
// readPump that decodes frames instead of broadcasting hub events.
type WSTransport struct {
	url string

	conn *websocket.Conn
	send chan []byte

	frames chan rpcFrame
}

// NewWSTransport dials url (a ws:// or wss:// endpoint) on Connect.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{
		url:    url,
		send:   make(chan []byte, 256),
		frames: make(chan rpcFrame, 64),
	}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial indexer websocket: %w", err)
	}
	t.conn = conn

	go t.writePump()
	go t.readPump()
	return nil
}

func (t *WSTransport) readPump() {
	defer func() {
		close(t.frames)
		t.conn.Close()
	}()

	t.conn.SetReadLimit(1 << 20)
	t.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			ID     *string         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		frame := rpcFrame{Method: msg.Method}
		if msg.ID != nil {
			frame.ID = *msg.ID
		}
		if msg.Error != nil {
			frame.Error = fmt.Errorf("indexer error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if len(msg.Result) > 0 {
			var result interface{}
			json.Unmarshal(msg.Result, &result)
			frame.Result = result
		}
		if len(msg.Params) > 0 {
			var params []interface{}
			json.Unmarshal(msg.Params, &params)
			frame.Params = params
		}

		t.frames <- frame
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case message, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) Send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	select {
	case t.send <- data:
		return nil
	default:
		return fmt.Errorf("indexer websocket send buffer full")
	}
}

func (t *WSTransport) Frames() <-chan rpcFrame {
	return t.frames
}

func (t *WSTransport) Close() error {
	close(t.send)
	return nil
}
