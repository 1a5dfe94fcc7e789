// Package redisstore implements signal.Store on Redis. Every path with two
// segments (calls/<id>) is one JSON string key; changes are announced on a
// pub/sub channel so every process can re-read what it subscribed to.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/goopcall/internal/signal"
)

var log = logging.Logger("signal")

const (
	recordDepth = 2
	maxTxRetry  = 8
	scanCount   = 256
)

// Config holds connection settings, mirroring the usual Redis options.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open connects to Redis and verifies the connection with a PING.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log.Infof("SIGNAL: connected to redis %s db=%d", cfg.Addr, cfg.DB)
	return New(client, cfg.Prefix), nil
}

type subscription struct {
	segs []string
	fn   func(signal.Snapshot, error)
	q    *signal.Queue
	last any
}

// Store is safe for concurrent use and implements signal.GuardedUpdater.
type Store struct {
	rdb    redis.UniversalClient
	prefix string

	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextID  uint64
	pubsub  *redis.PubSub
	stopSub context.CancelFunc
	closed  bool
}

// New wraps an existing client. Keys are written as "<prefix>:<path>".
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "goopcall"
	}
	return &Store{rdb: rdb, prefix: prefix, subs: make(map[uint64]*subscription)}
}

func (s *Store) key(segs []string) string { return s.prefix + ":" + strings.Join(segs, "/") }

func (s *Store) channel() string { return s.prefix + ":changes" }

func (s *Store) Write(ctx context.Context, path string, value any) error {
	segs, err := signal.SplitPath(path)
	if err != nil {
		return err
	}
	v, err := signal.Normalize(value)
	if err != nil {
		return err
	}

	if len(segs) >= recordDepth {
		_, err := s.modify(ctx, segs[:recordDepth], func(rec any) (any, bool) {
			return signal.SetAt(rec, segs[recordDepth:], v), true
		})
		return err
	}

	// Shallow write: replace every record below segs.
	if err := s.Delete(ctx, path); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if _, ok := v.(map[string]any); !ok {
		return fmt.Errorf("%w: only maps can be written above record depth", signal.ErrInvalidPath)
	}
	fields := map[string]any{}
	for _, rel := range signal.LeafPaths(v, nil, recordDepth-len(segs)) {
		fields[strings.Join(rel, "/")] = signal.GetAt(v, rel)
	}
	return s.Update(ctx, path, fields)
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := s.GuardedUpdate(ctx, path, signal.Guard{}, fields)
	return err
}

// GuardedUpdate applies fields atomically per record. A zero Guard always
// applies. Guards are only supported on record paths.
func (s *Store) GuardedUpdate(ctx context.Context, path string, g signal.Guard, fields map[string]any) (bool, error) {
	segs, err := signal.SplitPath(path)
	if err != nil {
		return false, err
	}
	guarded := g.Field != ""
	if guarded && len(segs) < recordDepth {
		return false, fmt.Errorf("%w: guard needs a record path, got %q", signal.ErrInvalidPath, path)
	}
	var guardSegs []string
	if guarded {
		if guardSegs, err = signal.SplitPath(g.Field); err != nil {
			return false, err
		}
	}

	// Group field writes by the record they land in.
	type change struct {
		rel []string
		v   any
	}
	byRecord := map[string][]change{}
	recSegs := map[string][]string{}
	for k, raw := range fields {
		rel, err := signal.SplitPath(k)
		if err != nil {
			return false, err
		}
		if len(rel) == 0 {
			return false, signal.ErrInvalidPath
		}
		full := append(append([]string(nil), segs...), rel...)
		if len(full) < recordDepth {
			return false, fmt.Errorf("%w: field %q is above record depth", signal.ErrInvalidPath, k)
		}
		v, err := signal.Normalize(raw)
		if err != nil {
			return false, err
		}
		rk := strings.Join(full[:recordDepth], "/")
		recSegs[rk] = full[:recordDepth]
		byRecord[rk] = append(byRecord[rk], change{full[recordDepth:], v})
	}

	relGuard := append(append([]string(nil), segs[min(len(segs), recordDepth):]...), guardSegs...)
	applied := true
	for rk, changes := range byRecord {
		ok, err := s.modify(ctx, recSegs[rk], func(rec any) (any, bool) {
			if guarded {
				cur, _ := signal.GetAt(rec, relGuard).(string)
				if !(signal.Guard{Field: g.Field, OneOf: g.OneOf}).Allows(cur) {
					return rec, false
				}
			}
			for _, c := range changes {
				rec = signal.SetAt(rec, c.rel, c.v)
			}
			return rec, true
		})
		if err != nil {
			return false, err
		}
		applied = applied && ok
	}
	return applied, nil
}

func (s *Store) Append(ctx context.Context, path string, value any) (string, error) {
	key := signal.NewKey()
	if err := s.Write(ctx, signal.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	segs, err := signal.SplitPath(path)
	if err != nil {
		return err
	}
	if len(segs) >= recordDepth {
		_, err := s.modify(ctx, segs[:recordDepth], func(rec any) (any, bool) {
			return signal.SetAt(rec, segs[recordDepth:], nil), true
		})
		return err
	}

	keys, err := s.scan(ctx, segs)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	for _, k := range keys {
		s.publish(ctx, strings.TrimPrefix(k, s.prefix+":"))
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (signal.Snapshot, error) {
	segs, err := signal.SplitPath(path)
	if err != nil {
		return signal.Snapshot{}, err
	}
	v, err := s.readSegs(ctx, segs)
	if err != nil {
		return signal.Snapshot{}, err
	}
	return signal.Snapshot{Path: strings.Join(segs, "/"), Value: v}, nil
}

func (s *Store) readSegs(ctx context.Context, segs []string) (any, error) {
	if len(segs) >= recordDepth {
		rec, err := s.get(ctx, s.rdb, s.key(segs[:recordDepth]))
		if err != nil {
			return nil, err
		}
		return signal.GetAt(rec, segs[recordDepth:]), nil
	}

	keys, err := s.scan(ctx, segs)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	var tree any
	for i, k := range keys {
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		v, err := signal.Normalize(json.RawMessage(str))
		if err != nil {
			log.Warnf("SIGNAL: skipping unreadable key %s: %v", k, err)
			continue
		}
		full, err := signal.SplitPath(strings.TrimPrefix(k, s.prefix+":"))
		if err != nil || len(full) != recordDepth {
			continue
		}
		tree = signal.SetAt(tree, full[len(segs):], v)
	}
	return tree, nil
}

// Subscribe re-reads path whenever a record below or above it changes.
// Notifications are de-duplicated by value.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(signal.Snapshot, error)) (signal.Unsubscribe, error) {
	segs, err := signal.SplitPath(path)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePubSub(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{segs: segs, fn: fn, q: signal.NewQueue()}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	s.refresh(sub, true)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.q.Close()
		})
	}, nil
}

// Close stops change delivery. The Redis client is left open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*subscription)
	stop := s.stopSub
	ps := s.pubsub
	s.mu.Unlock()

	for _, sub := range subs {
		sub.q.Close()
	}
	if stop != nil {
		stop()
	}
	if ps != nil {
		return ps.Close()
	}
	return nil
}

func (s *Store) ensurePubSub(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return signal.ErrClosed
	}
	if s.pubsub != nil {
		return nil
	}

	ps := s.rdb.Subscribe(ctx, s.channel())
	// Wait for confirmation so no change published after Subscribe returns
	// can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", s.channel(), err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.pubsub = ps
	s.stopSub = cancel
	go s.dispatch(runCtx, ps.Channel())
	return nil
}

func (s *Store) dispatch(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			changed, err := signal.SplitPath(msg.Payload)
			if err != nil {
				continue
			}
			s.mu.Lock()
			var hit []*subscription
			for _, sub := range s.subs {
				if signal.Related(sub.segs, changed) {
					hit = append(hit, sub)
				}
			}
			s.mu.Unlock()
			for _, sub := range hit {
				s.refresh(sub, false)
			}
		}
	}
}

// refresh queues a re-read of sub's path; the read runs on the
// subscription's goroutine so deliveries stay ordered.
func (s *Store) refresh(sub *subscription, initial bool) {
	sub.q.Push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := s.readSegs(ctx, sub.segs)
		if err != nil {
			sub.fn(signal.Snapshot{Path: strings.Join(sub.segs, "/")}, err)
			return
		}
		if !initial && reflect.DeepEqual(v, sub.last) {
			return
		}
		sub.last = v
		sub.fn(signal.Snapshot{Path: strings.Join(sub.segs, "/"), Value: signal.Clone(v)}, nil)
	})
}

// modify runs fn on the record at rec inside WATCH/MULTI, retrying on
// conflicting writers. fn returns false to leave the record untouched.
func (s *Store) modify(ctx context.Context, rec []string, fn func(any) (any, bool)) (bool, error) {
	key := s.key(rec)
	applied := false
	for attempt := 0; attempt < maxTxRetry; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := s.get(ctx, tx, key)
			if err != nil {
				return err
			}
			next, ok := fn(signal.Clone(cur))
			applied = ok
			if !ok || reflect.DeepEqual(cur, next) {
				return nil
			}

			var data []byte
			if next != nil {
				if data, err = json.Marshal(next); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, string(data), 0)
				}
				return nil
			})
			if err == nil {
				s.publish(ctx, strings.Join(rec, "/"))
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redis update %s: %w", key, err)
		}
		return applied, nil
	}
	return false, fmt.Errorf("redis update %s: too much contention", key)
}

func (s *Store) get(ctx context.Context, c redis.Cmdable, key string) (any, error) {
	str, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return signal.Normalize(json.RawMessage(str))
}

func (s *Store) scan(ctx context.Context, segs []string) ([]string, error) {
	match := s.prefix + ":*"
	if len(segs) > 0 {
		match = s.prefix + ":" + strings.Join(segs, "/") + "/*"
	}
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range batch {
			if k != s.channel() {
				keys = append(keys, k)
			}
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *Store) publish(ctx context.Context, path string) {
	if err := s.rdb.Publish(ctx, s.channel(), path).Err(); err != nil {
		log.Warnf("SIGNAL: publish change %s: %v", path, err)
	}
}

var (
	_ signal.Store          = (*Store)(nil)
	_ signal.GuardedUpdater = (*Store)(nil)
)
