// Package wsstore implements signal.Store against a relay server.
package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("signal")

type subscription struct {
	path string
	fn   func(signal.Snapshot, error)
	q    *signal.Queue
}

// Client is a signal.Store backed by one websocket connection. A dropped
// connection is not redialed; every open subscription receives the error.
// Redialer wraps Client for callers that need to outlive a connection.
type Client struct {
	ws   *websocket.Conn
	idle time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan proto.Frame
	subs    map[uint64]*subscription
	err     error
	done    chan struct{}
}

// Dial connects to the relay at url. When the relay announces its ping
// interval, the connection is dropped after two intervals without any
// frame or ping from it.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Client{
		ws:      ws,
		idle:    2 * announcedPing(resp),
		pending: make(map[uint64]chan proto.Frame),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}

	c.extendDeadline()
	ws.SetPingHandler(func(data string) error {
		c.extendDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(util.ShortTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readLoop()
	log.Infof("SIGNAL: connected to relay %s", url)
	return c, nil
}

func announcedPing(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	ms, err := strconv.ParseInt(resp.Header.Get(proto.PingIntervalHeader), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// extendDeadline pushes the read deadline out by the idle window. Without
// an announced ping interval reads never time out.
func (c *Client) extendDeadline() {
	if c.idle > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(util.ShortTimeout))
	c.writeMu.Unlock()
	c.shutdown(signal.ErrClosed, true)
	return c.ws.Close()
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, proto.Request{Op: proto.OpWrite, Path: path, Value: raw})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, proto.Request{Op: proto.OpUpdate, Path: path, Fields: raw})
	return err
}

func (c *Client) GuardedUpdate(ctx context.Context, path string, g signal.Guard, fields map[string]any) (bool, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return false, err
	}
	resp, err := c.roundTrip(ctx, proto.Request{
		Op:     proto.OpGuardedUpdate,
		Path:   path,
		Fields: raw,
		Guard:  &proto.Guard{Field: g.Field, OneOf: g.OneOf},
	})
	if err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *Client) Read(ctx context.Context, path string) (signal.Snapshot, error) {
	resp, err := c.roundTrip(ctx, proto.Request{Op: proto.OpRead, Path: path})
	if err != nil {
		return signal.Snapshot{}, err
	}
	return fromProto(resp.Snapshot, path)
}

func (c *Client) Append(ctx context.Context, path string, value any) (string, error) {
	raw, err := encode(value)
	if err != nil {
		return "", err
	}
	resp, err := c.roundTrip(ctx, proto.Request{Op: proto.OpAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, proto.Request{Op: proto.OpDelete, Path: path})
	return err
}

func (c *Client) Subscribe(ctx context.Context, path string, fn func(signal.Snapshot, error)) (signal.Unsubscribe, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	sub := &subscription{path: path, fn: fn, q: signal.NewQueue()}
	c.subs[id] = sub
	c.mu.Unlock()

	if _, err := c.roundTrip(ctx, proto.Request{Op: proto.OpSubscribe, Path: path, Sub: id}); err != nil {
		c.dropSub(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if !c.dropSub(id) {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
				defer cancel()
				if _, err := c.roundTrip(ctx, proto.Request{Op: proto.OpUnsubscribe, Sub: id}); err != nil {
					log.Debugf("SIGNAL: unsubscribe %d: %v", id, err)
				}
			}()
		})
	}, nil
}

func (c *Client) dropSub(id uint64) bool {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.q.Close()
	}
	return ok
}

func (c *Client) roundTrip(ctx context.Context, req proto.Request) (proto.Frame, error) {
	ch := make(chan proto.Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return proto.Frame{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	}
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return proto.Frame{}, fmt.Errorf("relay %s %s: %w", req.Op, req.Path, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, remoteError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	case <-c.done:
		return proto.Frame{}, c.Err()
	}
}

func (c *Client) readLoop() {
	for {
		var f proto.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.shutdown(fmt.Errorf("%w: %v", signal.ErrClosed, err), false)
			return
		}
		c.extendDeadline()

		if f.Event == "" {
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
			continue
		}

		c.mu.Lock()
		sub := c.subs[f.Sub]
		c.mu.Unlock()
		if sub == nil {
			continue
		}

		switch f.Event {
		case proto.EventChange:
			snap, err := fromProto(f.Snapshot, sub.path)
			sub.q.Push(func() { sub.fn(snap, err) })
		case proto.EventError:
			err := remoteError(f.Error)
			sub.q.Push(func() { sub.fn(signal.Snapshot{Path: sub.path}, err) })
		}
	}
}

func (c *Client) shutdown(cause error, local bool) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	subs := c.subs
	c.subs = make(map[uint64]*subscription)
	close(c.done)
	c.mu.Unlock()

	if !local {
		log.Warnf("SIGNAL: relay connection lost: %v", cause)
	}
	for _, s := range subs {
		s := s
		s.q.Push(func() { s.fn(signal.Snapshot{Path: s.path}, cause) })
		s.q.Push(s.q.Close)
	}
}

func remoteError(msg string) error {
	switch {
	case strings.Contains(msg, signal.ErrInvalidPath.Error()):
		return fmt.Errorf("%w (relay: %s)", signal.ErrInvalidPath, msg)
	case strings.Contains(msg, signal.ErrClosed.Error()):
		return fmt.Errorf("%w (relay: %s)", signal.ErrClosed, msg)
	}
	return fmt.Errorf("relay: %s", msg)
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := encode(v)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		out[k] = raw
	}
	return out, nil
}

func fromProto(ps *proto.Snapshot, path string) (signal.Snapshot, error) {
	if ps == nil {
		return signal.Snapshot{Path: path}, nil
	}
	snap := signal.Snapshot{Path: ps.Path}
	if !ps.Exists || len(ps.Value) == 0 {
		return snap, nil
	}
	v, err := signal.Normalize(ps.Value)
	if err != nil {
		return snap, err
	}
	snap.Value = v
	return snap, nil
}

var (
	_ signal.Store          = (*Client)(nil)
	_ signal.GuardedUpdater = (*Client)(nil)
)
