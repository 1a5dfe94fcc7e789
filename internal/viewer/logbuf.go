package viewer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one captured log line. Seq increases by one per line and lets
// clients resume where they left off.
type LogEntry struct {
	Seq uint64    `json:"seq"`
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines and fans new ones out to
// subscribers. It is an io.Writer; partial lines wait for their newline.
type LogBuffer struct {
	lines *util.RingBuffer[LogEntry]

	mu      sync.Mutex
	seq     uint64
	pending string
	subs    map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		lines: util.NewRingBuffer[LogEntry](max),
		subs:  make(map[chan LogEntry]struct{}),
	}
}

// Capture tees every go-log subsystem into the buffer until stop is called.
func (b *LogBuffer) Capture() (stop func()) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() { _, _ = io.Copy(b, r) }()
	return func() { _ = r.Close() }
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := b.pending + string(p)
	for {
		line, tail, ok := strings.Cut(rest, "\n")
		if !ok {
			break
		}
		rest = tail
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			b.appendLocked(line)
		}
	}
	b.pending = rest
	return len(p), nil
}

func (b *LogBuffer) appendLocked(msg string) {
	b.seq++
	e := LogEntry{Seq: b.seq, TS: time.Now(), Msg: msg}
	b.lines.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.lines.Snapshot()
}

// Since returns the buffered entries newer than seq.
func (b *LogBuffer) Since(seq uint64) []LogEntry {
	all := b.lines.Snapshot()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// ServeLogsJSON answers GET /api/logs[?since=<seq>].
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	entries := b.Snapshot()
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		entries = b.Since(seq)
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// ServeLogsSSE answers GET /api/logs/stream. A reconnecting client sending
// Last-Event-ID first gets the lines it missed, as far as the buffer holds them.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var last uint64
	if id, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		for _, e := range b.Since(id) {
			writeLogEvent(w, e)
			last = e.Seq
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			writeLogEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeLogEvent(w io.Writer, e LogEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", e.Seq, data)
}
