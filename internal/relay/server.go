// Package relay serves a signal.Store to remote peers over websocket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("relay")

const (
	maxClients      = 1024
	maxMessageBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers connect from native processes, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	addr         string
	store        signal.Store
	root         string
	pingInterval time.Duration
	srv          *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a relay for store. root is the path listed by /api/calls.
func New(addr string, store signal.Store, root string, pingInterval time.Duration) *Server {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Server{
		addr:         addr,
		store:        store,
		root:         root,
		pingInterval: pingInterval,
		clients:      make(map[*client]struct{}),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc(proto.CallsPath, s.handleCalls)
	mux.HandleFunc(proto.RelayPath, s.handleSocket)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.closeClients()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("RELAY: server error: %v", err)
		}
	}()

	log.Infof("RELAY: listening on %s", s.addr)
	return nil
}

// URL returns the websocket URL peers dial.
func (s *Server) URL() string {
	return "ws://" + s.addr + proto.RelayPath
}

// Clients returns the number of connected peers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.store.Read(r.Context(), s.root)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type row struct {
		ID        string  `json:"id"`
		CallerID  string  `json:"callerId"`
		CalleeID  string  `json:"calleeId"`
		Type      string  `json:"type"`
		Status    string  `json:"status"`
		StartTime float64 `json:"startTime"`
	}
	rows := []row{}
	for _, c := range snap.Children() {
		st, _ := c.Child("startTime").Value.(float64)
		rows = append(rows, row{
			ID:        c.Key(),
			CallerID:  c.String("callerId"),
			CalleeID:  c.String("calleeId"),
			Type:      c.String("type"),
			Status:    c.String("status"),
			StartTime: st,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartTime > rows[j].StartTime })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"clients": s.Clients(),
		"calls":   rows,
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	full := len(s.clients) >= maxClients
	s.mu.Unlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	hdr := http.Header{}
	hdr.Set(proto.PingIntervalHeader, strconv.FormatInt(s.pingInterval.Milliseconds(), 10))
	ws, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		log.Warnf("RELAY: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newClient(ws, s.store, s.pingInterval)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Infof("RELAY: peer connected from %s", r.RemoteAddr)

	c.serve(r.Context())

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	log.Infof("RELAY: peer %s disconnected", r.RemoteAddr)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
