package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

// client is one connected peer. Requests are handled in arrival order;
// subscription events are written from store goroutines.
type client struct {
	ws           *websocket.Conn
	store        signal.Store
	pingInterval time.Duration

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uint64]signal.Unsubscribe

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(ws *websocket.Conn, store signal.Store, ping time.Duration) *client {
	return &client{
		ws:           ws,
		store:        store,
		pingInterval: ping,
		subs:         make(map[uint64]signal.Unsubscribe),
		done:         make(chan struct{}),
	}
}

func (c *client) serve(ctx context.Context) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	})

	go c.pingLoop()

	for {
		var req proto.Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("RELAY: read: %v", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		c.send(c.handle(ctx, req))
	}
}

func (c *client) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(util.ShortTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) handle(ctx context.Context, req proto.Request) proto.Frame {
	resp := proto.Frame{ID: req.ID}
	fail := func(err error) proto.Frame {
		resp.Error = err.Error()
		return resp
	}

	switch req.Op {
	case proto.OpWrite:
		if err := c.store.Write(ctx, req.Path, rawValue(req.Value)); err != nil {
			return fail(err)
		}
	case proto.OpUpdate:
		if err := c.store.Update(ctx, req.Path, rawFields(req.Fields)); err != nil {
			return fail(err)
		}
	case proto.OpGuardedUpdate:
		gu, ok := c.store.(signal.GuardedUpdater)
		if !ok {
			return fail(fmt.Errorf("guarded update not supported by this relay"))
		}
		if req.Guard == nil {
			return fail(fmt.Errorf("guarded update without guard"))
		}
		applied, err := gu.GuardedUpdate(ctx, req.Path,
			signal.Guard{Field: req.Guard.Field, OneOf: req.Guard.OneOf}, rawFields(req.Fields))
		if err != nil {
			return fail(err)
		}
		resp.Applied = applied
	case proto.OpRead:
		snap, err := c.store.Read(ctx, req.Path)
		if err != nil {
			return fail(err)
		}
		ps, err := toProto(snap)
		if err != nil {
			return fail(err)
		}
		resp.Snapshot = ps
	case proto.OpAppend:
		key, err := c.store.Append(ctx, req.Path, rawValue(req.Value))
		if err != nil {
			return fail(err)
		}
		resp.Key = key
	case proto.OpDelete:
		if err := c.store.Delete(ctx, req.Path); err != nil {
			return fail(err)
		}
	case proto.OpSubscribe:
		if err := c.subscribe(ctx, req); err != nil {
			return fail(err)
		}
		resp.Sub = req.Sub
	case proto.OpUnsubscribe:
		c.subsMu.Lock()
		unsub := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.subsMu.Unlock()
		if unsub != nil {
			unsub()
		}
		resp.Sub = req.Sub
	default:
		return fail(fmt.Errorf("unknown op %q", req.Op))
	}
	resp.OK = true
	return resp
}

func (c *client) subscribe(ctx context.Context, req proto.Request) error {
	c.subsMu.Lock()
	_, dup := c.subs[req.Sub]
	c.subsMu.Unlock()
	if dup {
		return fmt.Errorf("subscription %d already open", req.Sub)
	}

	sub := req.Sub
	unsub, err := c.store.Subscribe(context.WithoutCancel(ctx), req.Path, func(snap signal.Snapshot, err error) {
		ev := proto.Frame{Event: proto.EventChange, Sub: sub}
		if err != nil {
			ev.Event = proto.EventError
			ev.Error = err.Error()
		} else if ps, perr := toProto(snap); perr != nil {
			ev.Event = proto.EventError
			ev.Error = perr.Error()
		} else {
			ev.Snapshot = ps
		}
		c.send(ev)
	})
	if err != nil {
		return err
	}

	c.subsMu.Lock()
	select {
	case <-c.done:
		c.subsMu.Unlock()
		unsub()
		return fmt.Errorf("connection closed")
	default:
	}
	c.subs[sub] = unsub
	c.subsMu.Unlock()
	return nil
}

func (c *client) send(f proto.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		log.Debugf("RELAY: write: %v", err)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.subsMu.Lock()
		subs := c.subs
		c.subs = map[uint64]signal.Unsubscribe{}
		c.subsMu.Unlock()
		for _, u := range subs {
			u()
		}
		_ = c.ws.Close()
	})
}

func rawValue(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func rawFields(fields map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = rawValue(v)
	}
	return out
}

func toProto(s signal.Snapshot) (*proto.Snapshot, error) {
	ps := &proto.Snapshot{Path: s.Path, Exists: s.Exists()}
	if !ps.Exists {
		return ps, nil
	}
	b, err := json.Marshal(s.Value)
	if err != nil {
		return nil, err
	}
	ps.Value = b
	return ps, nil
}
