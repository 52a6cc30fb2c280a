package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gorilla/websocket"
)

const bridgeWriteWait = 5 * time.Second

// bridgeRequest is one frame from the daemon to the extension.
type bridgeRequest struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"` // snapshot or perform
	Op   *Op    `json:"op,omitempty"`
}

// bridgeResponse is the extension's reply, correlated by ID.
type bridgeResponse struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	HTML  string `json:"html,omitempty"`
	Error string `json:"error,omitempty"`
}

// WSBridge talks to the browser extension over a websocket: it requests DOM
// snapshots and submits operations, correlating replies by request id. The
// page is externally controlled and can stop answering at any time, so every
// call is bounded by its context.
type WSBridge struct {
	conn    *websocket.Conn
	logger  *log.Logger
	timeout time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan bridgeResponse

	closeOnce sync.Once
	closed    chan struct{}
}

// DialBridge connects to the extension endpoint and starts the read loop.
func DialBridge(endpoint string, timeout time.Duration, logger *log.Logger) (*WSBridge, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", endpoint, err)
	}
	b := &WSBridge{
		conn:    conn,
		logger:  logger,
		timeout: timeout,
		pending: make(map[uint64]chan bridgeResponse),
		closed:  make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *WSBridge) Snapshot(ctx context.Context) (*goquery.Document, error) {
	resp, err := b.roundTrip(ctx, bridgeRequest{Type: "snapshot"})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return doc, nil
}

func (b *WSBridge) Perform(ctx context.Context, op Op) error {
	_, err := b.roundTrip(ctx, bridgeRequest{Type: "perform", Op: &op})
	return err
}

func (b *WSBridge) roundTrip(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	ch := make(chan bridgeResponse, 1)
	b.mu.Lock()
	b.nextID++
	req.ID = b.nextID
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	err := b.conn.WriteJSON(req)
	b.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", req.Type, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, fmt.Errorf("bridge %s failed: %s", req.Type, resp.Error)
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge %s: %w", req.Type, ctx.Err())
	case <-b.closed:
		return nil, fmt.Errorf("bridge %s: connection closed", req.Type)
	}
}

func (b *WSBridge) readLoop() {
	defer b.closeOnce.Do(func() { close(b.closed) })
	for {
		var resp bridgeResponse
		if err := b.conn.ReadJSON(&resp); err != nil {
			b.logger.Printf("bridge: read loop ended: %v", err)
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		b.mu.Unlock()
		if !ok {
			b.logger.Printf("bridge: dropping reply for unknown request %d", resp.ID)
			continue
		}
		ch <- resp
	}
}

// Close tears down the connection; in-flight round trips fail promptly.
func (b *WSBridge) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return b.conn.Close()
}
