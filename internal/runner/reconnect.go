package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
)

// ReconnectingBridge wraps WSBridge with lazy dialing. The extension side
// comes and goes with the browser, so the daemon must start without it and
// pick the connection up when a job actually needs one.
type ReconnectingBridge struct {
	endpoint string
	timeout  time.Duration
	logger   *log.Logger

	mu  sync.Mutex
	cur *WSBridge
}

func NewReconnectingBridge(endpoint string, timeout time.Duration, logger *log.Logger) *ReconnectingBridge {
	return &ReconnectingBridge{
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger,
	}
}

func (b *ReconnectingBridge) Snapshot(ctx context.Context) (*goquery.Document, error) {
	ws, err := b.ensure(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := ws.Snapshot(ctx)
	if err != nil {
		b.invalidate(ws)
	}
	return doc, err
}

func (b *ReconnectingBridge) Perform(ctx context.Context, op Op) error {
	ws, err := b.ensure(ctx)
	if err != nil {
		return err
	}
	if err := ws.Perform(ctx, op); err != nil {
		b.invalidate(ws)
		return err
	}
	return nil
}

func (b *ReconnectingBridge) ensure(ctx context.Context) (*WSBridge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil {
		return b.cur, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	var ws *WSBridge
	err := backoff.Retry(func() error {
		var dialErr error
		ws, dialErr = DialBridge(b.endpoint, b.timeout, b.logger)
		return dialErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	if err != nil {
		return nil, fmt.Errorf("extension bridge unavailable: %w", err)
	}

	b.logger.Printf("bridge: connected to %s", b.endpoint)
	b.cur = ws
	return ws, nil
}

// invalidate drops a broken connection so the next call redials.
func (b *ReconnectingBridge) invalidate(ws *WSBridge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == ws {
		_ = ws.Close()
		b.cur = nil
	}
}

func (b *ReconnectingBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return nil
	}
	err := b.cur.Close()
	b.cur = nil
	return err
}
