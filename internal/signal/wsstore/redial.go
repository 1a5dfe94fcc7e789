package wsstore

import (
	"context"
	"sync"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

// Redialer is a signal.Store that dials the relay again once the current
// connection is gone. Subscriptions opened on a lost connection still
// receive its error and have to be reopened; the next Subscribe dials.
type Redialer struct {
	url string

	mu     sync.Mutex
	cur    *Client
	closed bool
}

// NewRedialer dials url once and fails if the relay is unreachable.
func NewRedialer(ctx context.Context, url string) (*Redialer, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Redialer{url: url, cur: c}, nil
}

// client returns the live connection, dialing a new one if needed.
func (r *Redialer) client(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, signal.ErrClosed
	}
	if r.cur != nil && r.cur.Err() == nil {
		return r.cur, nil
	}

	dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	c, err := Dial(dctx, r.url)
	if err != nil {
		return nil, err
	}
	r.cur = c
	log.Infof("SIGNAL: redialed relay %s", r.url)
	return c, nil
}

func (r *Redialer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.cur
	r.cur = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (r *Redialer) Write(ctx context.Context, path string, value any) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Write(ctx, path, value)
}

func (r *Redialer) Update(ctx context.Context, path string, fields map[string]any) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Update(ctx, path, fields)
}

func (r *Redialer) GuardedUpdate(ctx context.Context, path string, g signal.Guard, fields map[string]any) (bool, error) {
	c, err := r.client(ctx)
	if err != nil {
		return false, err
	}
	return c.GuardedUpdate(ctx, path, g, fields)
}

func (r *Redialer) Read(ctx context.Context, path string) (signal.Snapshot, error) {
	var snap signal.Snapshot
	err := r.idempotent(ctx, func(c *Client) error {
		var err error
		snap, err = c.Read(ctx, path)
		return err
	})
	return snap, err
}

func (r *Redialer) Subscribe(ctx context.Context, path string, fn func(signal.Snapshot, error)) (signal.Unsubscribe, error) {
	var unsub signal.Unsubscribe
	err := r.idempotent(ctx, func(c *Client) error {
		var err error
		unsub, err = c.Subscribe(ctx, path, fn)
		return err
	})
	return unsub, err
}

// idempotent runs op and, if the connection dropped underneath it, runs it
// once more on a fresh one. Only safe for operations without side effects.
func (r *Redialer) idempotent(ctx context.Context, op func(*Client) error) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	if err = op(c); err == nil || c.Err() == nil {
		return err
	}
	if c, err = r.client(ctx); err != nil {
		return err
	}
	return op(c)
}

func (r *Redialer) Append(ctx context.Context, path string, value any) (string, error) {
	c, err := r.client(ctx)
	if err != nil {
		return "", err
	}
	return c.Append(ctx, path, value)
}

func (r *Redialer) Delete(ctx context.Context, path string) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Delete(ctx, path)
}
