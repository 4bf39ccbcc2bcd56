package indexer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport is a newline-delimited JSON-RPC connection to a single
// indexer server, optionally over TLS. Adapted from the teacher's
// Electrum backend client: same framing (one JSON object per line), same
// dial-with-fallback shape, generalized to the frame-channel Transport
// interface the rest of this package expects.
type TCPTransport struct {
	servers []string
	useTLS  bool
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn

	frames chan rpcFrame
}

// NewTCPTransport builds a transport that tries each server in order at
// Connect time, stopping at the first that answers.
func NewTCPTransport(servers []string, useTLS bool) *TCPTransport {
	return &TCPTransport{
		servers: servers,
		useTLS:  useTLS,
		timeout: dialTimeout,
		frames:  make(chan rpcFrame, 64),
	}
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lastErr error
	for _, server := range t.servers {
		dialer := &net.Dialer{Timeout: t.timeout}

		var conn net.Conn
		var err error
		if t.useTLS {
			conn, err = tls.DialWithDialer(dialer, "tcp", server, &tls.Config{MinVersion: tls.VersionTLS12})
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		t.conn = conn
		go t.readLoop(conn)
		return nil
	}

	return fmt.Errorf("connect to any of %d indexer servers: %w", len(t.servers), lastErr)
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			close(t.frames)
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
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // malformed frame: drop and keep reading, per NetworkError policy
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

func (t *TCPTransport) Send(req rpcRequest) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	_, err = conn.Write(append(data, '\n'))
	return err
}

func (t *TCPTransport) Frames() <-chan rpcFrame {
	return t.frames
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
