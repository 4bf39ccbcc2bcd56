// Package indexer is the wallet's view of the external blockchain index
// service: a message-oriented client exposing request/response calls
// plus a channel of asynchronous subscription notifications. Adapted
// from the JSON-RPC wire shape in the teacher's Electrum backend client,
// generalized behind a Transport interface so the Synchronizer does not
// care whether the underlying connection is a raw TCP/TLS socket or a
// WebSocket.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// Methods used against the indexer, per the wire protocol this wallet
// consumes.
const (
	MethodSubscribe   = "blockchain.address.subscribe"
	MethodGetHistory  = "blockchain.address.get_history"
	MethodGetTx       = "blockchain.transaction.get"
	MethodBroadcastTx = "blockchain.transaction.broadcast"
)

// HistEntry is one (txid, height) pair as reported by the indexer.
type HistEntry struct {
	TxID   string
	Height int64
}

// History is the sum type Pruned | Entries(list) from the server's two
// sentinel forms: the literal history value `["*"]` means "too large to
// enumerate, treat as always in sync", versus an ordinary (possibly
// empty) list of entries.
type History struct {
	Pruned  bool
	Entries []HistEntry
}

// Status is the sum type Pruned | Hash | None for a subscribe reply: the
// server can answer with the literal status string "*", a hex status
// hash, or null (meaning no history at all).
type Status struct {
	Pruned bool
	Hash   string
	None   bool
}

// ComputeStatusHash implements the status-hash function: concatenate
// "<txid>:<height>:" for every entry in history order, SHA-256, hex
// encode. An empty, non-pruned history hashes to the empty string's
// representation: None.
func ComputeStatusHash(h History) Status {
	if h.Pruned {
		return Status{Pruned: true}
	}
	if len(h.Entries) == 0 {
		return Status{None: true}
	}
	var b strings.Builder
	for _, e := range h.Entries {
		fmt.Fprintf(&b, "%s:%d:", e.TxID, e.Height)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return Status{Hash: hex.EncodeToString(sum[:])}
}

// Equal compares two statuses for the subscribe/get_history consistency
// check in 4.5: Pruned/None do not carry a hash to compare.
func (s Status) Equal(other Status) bool {
	if s.Pruned || other.Pruned {
		return s.Pruned == other.Pruned
	}
	if s.None || other.None {
		return s.None == other.None
	}
	return s.Hash == other.Hash
}

// Notification is an unsolicited server push, e.g. a subscribe update
// delivered after the initial subscribe call returns.
type Notification struct {
	Method string
	Params []interface{}
}

// Client is the indexer-facing API the Synchronizer and Wallet Core use.
// It owns request/response correlation over whatever Transport is
// plugged in.
type Client struct {
	transport Transport

	mu      sync.Mutex
	pending map[string]chan rpcResponse

	notifications chan Notification
}

// Transport is the minimum a wire adapter must provide: a connected
// duplex channel carrying JSON-RPC-shaped frames in and out.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(frame rpcRequest) error
	Frames() <-chan rpcFrame
}

type rpcRequest struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	Result interface{}
	Err    error
}

// rpcFrame is a decoded inbound message: either a response to a pending
// request (ID matches one we sent) or an unsolicited notification.
type rpcFrame struct {
	ID     string
	Method string
	Params []interface{}
	Result interface{}
	Error  error
}

// NewClient wraps transport with request/response correlation. The
// background dispatch loop starts on Connect.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport:     transport,
		pending:       make(map[string]chan rpcResponse),
		notifications: make(chan Notification, 256),
	}
	return c
}

// Connect dials the transport and starts dispatching inbound frames.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return walleterr.New("indexer.Connect", walleterr.NetworkError, err)
	}
	go c.dispatch()
	return nil
}

// Close tears down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Notifications returns the channel of asynchronous server pushes (e.g.
// subscribe status updates for addresses the caller already subscribed
// to).
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

func (c *Client) dispatch() {
	for frame := range c.transport.Frames() {
		if frame.ID == "" {
			c.notifications <- Notification{Method: frame.Method, Params: frame.Params}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()

		if !ok {
			continue
		}
		ch <- rpcResponse{Result: frame.Result, Err: frame.Error}
	}
}

// call sends a request and blocks for its matched response, or until ctx
// is done.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	id := uuid.NewString()
	respCh := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	if err := c.transport.Send(rpcRequest{ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, walleterr.New("indexer.call", walleterr.NetworkError, err)
	}

	select {
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, walleterr.New("indexer.call:"+method, walleterr.NetworkError, resp.Err)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe subscribes to an address (identified by its scripthash) and
// returns its current status.
func (c *Client) Subscribe(ctx context.Context, scriptHash string) (Status, error) {
	result, err := c.call(ctx, MethodSubscribe, []interface{}{scriptHash})
	if err != nil {
		return Status{}, err
	}
	return parseStatus(result), nil
}

// GetHistory fetches the full history for an address's scripthash.
func (c *Client) GetHistory(ctx context.Context, scriptHash string) (History, error) {
	result, err := c.call(ctx, MethodGetHistory, []interface{}{scriptHash})
	if err != nil {
		return History{}, err
	}
	return parseHistory(result)
}

// GetTransaction fetches the raw hex of a transaction by txid.
func (c *Client) GetTransaction(ctx context.Context, txid string) (string, error) {
	result, err := c.call(ctx, MethodGetTx, []interface{}{txid})
	if err != nil {
		return "", err
	}
	hexStr, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected get_transaction response type %T", result)
	}
	return hexStr, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	result, err := c.call(ctx, MethodBroadcastTx, []interface{}{rawHex})
	if err != nil {
		return "", err
	}
	txid, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected broadcast response type %T", result)
	}
	return txid, nil
}

func parseStatus(v interface{}) Status {
	if v == nil {
		return Status{None: true}
	}
	s, ok := v.(string)
	if !ok {
		return Status{None: true}
	}
	if s == "*" {
		return Status{Pruned: true}
	}
	return Status{Hash: s}
}

func parseHistory(v interface{}) (History, error) {
	items, ok := v.([]interface{})
	if !ok {
		return History{}, fmt.Errorf("unexpected history response type %T", v)
	}
	if len(items) == 1 {
		if s, ok := items[0].(string); ok && s == "*" {
			return History{Pruned: true}, nil
		}
	}

	entries := make([]HistEntry, 0, len(items))
	for _, item := range items {
		row, ok := item.(map[string]interface{})
		if !ok {
			return History{}, fmt.Errorf("unexpected history entry type %T", item)
		}
		txid, _ := row["tx_hash"].(string)
		height, _ := row["height"].(float64)
		entries = append(entries, HistEntry{TxID: txid, Height: int64(height)})
	}
	return History{Entries: entries}, nil
}

// dialTimeout is the default connection deadline for indexer transports.
const dialTimeout = 30 * time.Second
