package signal

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
)

// Persister stores the records of a Memory store, one row per path at the
// configured record depth.
type Persister interface {
	LoadRecords(ctx context.Context) (map[string][]byte, error)
	SaveRecord(ctx context.Context, path string, data []byte) error
	DeleteRecord(ctx context.Context, path string) error
}

type memSub struct {
	segs []string
	fn   func(Snapshot, error)
	q    *Queue
	last any
}

// Memory is an in-process Store. It is safe for concurrent use and
// implements GuardedUpdater.
type Memory struct {
	mu     sync.Mutex
	root   any
	subs   map[uint64]*memSub
	nextID uint64
	closed bool

	persist Persister
	depth   int
	dirty   map[string][]string
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memSub)}
}

// OpenMemory returns a Memory store backed by p. Every path holding a value
// at exactly depth segments is one record; the existing records are loaded
// before returning.
func OpenMemory(ctx context.Context, p Persister, depth int) (*Memory, error) {
	if depth < 1 {
		depth = 1
	}
	m := NewMemory()
	m.persist = p
	m.depth = depth

	recs, err := p.LoadRecords(ctx)
	if err != nil {
		return nil, err
	}
	for path, data := range recs {
		segs, err := SplitPath(path)
		if err != nil || len(segs) != depth {
			log.Warnf("SIGNAL: skipping stored record %q", path)
			continue
		}
		v, err := Normalize(json.RawMessage(data))
		if err != nil {
			log.Warnf("SIGNAL: skipping unreadable record %q: %v", path, err)
			continue
		}
		m.root = SetAt(m.root, segs, v)
	}
	log.Infof("SIGNAL: loaded %d records", len(recs))
	return m, nil
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	return m.mutate(ctx, path, func(segs []string) error {
		v, err := Normalize(value)
		if err != nil {
			return err
		}
		m.setLocked(segs, v)
		return nil
	})
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	return m.mutate(ctx, path, func(segs []string) error {
		return m.applyFieldsLocked(segs, fields)
	})
}

func (m *Memory) GuardedUpdate(ctx context.Context, path string, g Guard, fields map[string]any) (bool, error) {
	applied := false
	err := m.mutate(ctx, path, func(segs []string) error {
		fieldSegs, err := SplitPath(g.Field)
		if err != nil {
			return err
		}
		cur, _ := GetAt(m.root, append(append([]string(nil), segs...), fieldSegs...)).(string)
		if !g.Allows(cur) {
			return nil
		}
		applied = true
		return m.applyFieldsLocked(segs, fields)
	})
	return applied, err
}

func (m *Memory) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	err := m.mutate(ctx, path, func(segs []string) error {
		v, err := Normalize(value)
		if err != nil {
			return err
		}
		m.setLocked(append(segs, key), v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	return m.mutate(ctx, path, func(segs []string) error {
		m.setLocked(segs, nil)
		return nil
	})
}

func (m *Memory) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	return Snapshot{Path: joinSegs(segs), Value: Clone(GetAt(m.root, segs))}, nil
}

func (m *Memory) Subscribe(ctx context.Context, path string, fn func(Snapshot, error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	cur := GetAt(m.root, segs)
	sub := &memSub{segs: segs, fn: fn, q: NewQueue(), last: Clone(cur)}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub

	snap := Snapshot{Path: joinSegs(segs), Value: Clone(cur)}
	sub.q.Push(func() { fn(snap, nil) })

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.q.Close()
	}, nil
}

// Close stops all subscriptions. Handlers receive ErrClosed once.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*memSub)
	m.mu.Unlock()

	for _, s := range subs {
		s := s
		s.q.Push(func() { s.fn(Snapshot{Path: joinSegs(s.segs)}, ErrClosed) })
		s.q.Push(s.q.Close)
	}
	return nil
}

func (m *Memory) mutate(ctx context.Context, path string, fn func(segs []string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := fn(segs); err != nil {
		m.dirty = nil
		return err
	}
	m.flushLocked(ctx)
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) applyFieldsLocked(segs []string, fields map[string]any) error {
	type change struct {
		segs []string
		v    any
	}
	changes := make([]change, 0, len(fields))
	for k, raw := range fields {
		rel, err := SplitPath(k)
		if err != nil {
			return err
		}
		if len(rel) == 0 {
			return ErrInvalidPath
		}
		v, err := Normalize(raw)
		if err != nil {
			return err
		}
		full := append(append([]string(nil), segs...), rel...)
		changes = append(changes, change{full, v})
	}
	for _, c := range changes {
		m.setLocked(c.segs, c.v)
	}
	return nil
}

func (m *Memory) setLocked(segs []string, v any) {
	if m.persist != nil {
		m.markDirtyLocked(segs)
	}
	m.root = SetAt(m.root, segs, v)
	if m.persist != nil && len(segs) < m.depth {
		m.markDirtyLocked(segs)
	}
}

func (m *Memory) markDirtyLocked(segs []string) {
	if m.dirty == nil {
		m.dirty = make(map[string][]string)
	}
	if len(segs) >= m.depth {
		rec := segs[:m.depth]
		m.dirty[joinSegs(rec)] = rec
		return
	}
	for _, rec := range LeafPaths(GetAt(m.root, segs), segs, m.depth) {
		m.dirty[joinSegs(rec)] = rec
	}
}

func (m *Memory) flushLocked(ctx context.Context) {
	dirty := m.dirty
	m.dirty = nil
	if m.persist == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for path, segs := range dirty {
		v := GetAt(m.root, segs)
		if v == nil {
			if err := m.persist.DeleteRecord(ctx, path); err != nil {
				log.Warnf("SIGNAL: delete record %s: %v", path, err)
			}
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			log.Warnf("SIGNAL: encode record %s: %v", path, err)
			continue
		}
		if err := m.persist.SaveRecord(ctx, path, b); err != nil {
			log.Warnf("SIGNAL: save record %s: %v", path, err)
		}
	}
}

func (m *Memory) notifyLocked(changed []string) {
	for _, s := range m.subs {
		if !Related(s.segs, changed) {
			continue
		}
		cur := GetAt(m.root, s.segs)
		if reflect.DeepEqual(cur, s.last) {
			continue
		}
		s.last = Clone(cur)
		snap := Snapshot{Path: joinSegs(s.segs), Value: Clone(cur)}
		fn := s.fn
		s.q.Push(func() { fn(snap, nil) })
	}
}

var (
	_ Store          = (*Memory)(nil)
	_ GuardedUpdater = (*Memory)(nil)
)
