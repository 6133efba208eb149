package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/history"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/state"
)

// Engine is the read side of the engine the monitor reports on.
type Engine interface {
	Nodes() []string
	State(key string) (state.State, bool)
	Pending(key string) int
	Estimate(k op.Kind) time.Duration
}

// History is the query side of the history store.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Stats(ctx context.Context) ([]history.NodeStats, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const pingInterval = 20 * time.Second

type server struct {
	eng  Engine
	hist History
	bus  *Bus
	log  *zap.Logger
}

// NewRouter serves:
//
//	GET /api/v1/nodes     node states and queue depth
//	GET /api/v1/estimates current per-operation estimates
//	GET /api/v1/history   recent stored events (?limit=)
//	GET /api/v1/stats     per-node task outcomes
//	GET /api/v1/events    WebSocket live stream
//
// hist may be nil, in which case the history routes answer 503.
func NewRouter(eng Engine, hist History, bus *Bus, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &server{eng: eng, hist: hist, bus: bus, log: log.Named("monitor")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("GET /api/v1/estimates", s.estimates)
	mux.HandleFunc("GET /api/v1/history", s.recent)
	mux.HandleFunc("GET /api/v1/stats", s.stats)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(s.log, mux)
}

// NodeView is one entry of GET /api/v1/nodes.
type NodeView struct {
	Key     string   `json:"key"`
	State   string   `json:"state"`
	Flags   []string `json:"flags"`
	Pending int      `json:"pending"`
}

func (s *server) listNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []NodeView
	for _, key := range s.eng.Nodes() {
		st, ok := s.eng.State(key)
		if !ok {
			continue
		}
		nodes = append(nodes, NodeView{Key: key, State: st.String(), Flags: st.Names(), Pending: s.eng.Pending(key)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *server) estimates(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]int64, len(op.Kinds()))
	for _, k := range op.Kinds() {
		out[k.String()] = s.eng.Estimate(k).Milliseconds()
	}
	writeJSON(w, http.StatusOK, map[string]any{"estimates_ms": out})
}

func (s *server) recent(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("list history", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.hist.Stats(r.Context())
	if err != nil {
		s.log.Error("history stats", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": stats})
}

func (s *server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the WebSocket upgrade works behind the logger.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("monitor: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be between %d and %d", key, min, max)
	}
	return n, nil
}
