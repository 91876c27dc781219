// Package api exposes the session manager over HTTP and streams its events
// over WebSocket.
//
// Routes:
//
//	POST /api/v1/connect      {"id","wait"}   start (and optionally await) a connect
//	POST /api/v1/disconnect   {"id"}
//	POST /api/v1/write        {"id","data"}   data is base64
//	GET  /api/v1/read         ?id=&delimiter= drain the buffer or cut one frame
//	PUT  /api/v1/delimiter    {"id","delimiter"}
//	POST /api/v1/clear        {"id"}
//	GET  /api/v1/available    ?id=
//	GET  /api/v1/status       ?id=
//	GET  /api/v1/sessions     live per-peer state
//	GET  /api/v1/peers        known peers from the history store
//	GET  /api/v1/history      ?limit= recent connection events
//	GET  /api/v1/events       ?id= WebSocket event stream
//	GET  /health
//
// An empty or missing id targets the first connected peer.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bluetooth-serial/internal/completion"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/framebuf"
	"bluetooth-serial/internal/store"
	"bluetooth-serial/internal/version"
)

// History is the subset of the store the API reads.
type History interface {
	ListPeers(ctx context.Context) ([]store.PeerRecord, error)
	RecentEvents(ctx context.Context, limit int) ([]store.EventRecord, error)
}

// SubscribeFunc registers one event consumer and returns its channel and
// the function that unsubscribes it.
type SubscribeFunc func() (<-chan connmgr.Event, func())

// Options tunes handler behavior.
type Options struct {
	// ConnectWait bounds how long a connect request with "wait" blocks.
	ConnectWait time.Duration
	// HistoryLimit is the default number of events /history returns.
	HistoryLimit int
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const pingInterval = 20 * time.Second

// Server holds handler dependencies.
type Server struct {
	mgr       connmgr.Manager
	history   History
	subscribe SubscribeFunc
	opts      Options
	log       *zap.Logger
}

// NewRouter wires all routes and returns a http.Handler. history may be nil,
// in which case /peers and /history answer 404.
func NewRouter(mgr connmgr.Manager, history History, subscribe SubscribeFunc, opts Options, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 30 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	s := &Server{mgr: mgr, history: history, subscribe: subscribe, opts: opts, log: log.Named("api")}

	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/sessions", s.sessions)

	// Data
	mux.HandleFunc("POST /api/v1/write", s.write)
	mux.HandleFunc("GET /api/v1/read", s.read)
	mux.HandleFunc("PUT /api/v1/delimiter", s.setDelimiter)
	mux.HandleFunc("POST /api/v1/clear", s.clear)
	mux.HandleFunc("GET /api/v1/available", s.available)

	// History
	mux.HandleFunc("GET /api/v1/peers", s.listPeers)
	mux.HandleFunc("GET /api/v1/history", s.listHistory)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	mux.HandleFunc("GET /health", s.health)

	return withLogging(s.log, mux)
}

// ── Sessions ──────────────────────────────────────────────────────────────

type connectRequest struct {
	ID   string `json:"id"`
	Wait bool   `json:"wait"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := connmgr.ParsePeerID(req.ID)

	h, err := s.mgr.ConnectAsync(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":    requestedID(id),
			"state": connmgr.Connecting,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ConnectWait)
	defer cancel()
	peer, err := h.Wait(ctx)
	if err != nil {
		if _, _, settled := h.Result(); !settled {
			// Waiting timed out; the attempt itself keeps running.
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"id":    requestedID(id),
				"state": connmgr.Connecting,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peer":  peer,
		"state": connmgr.Connected,
	})
}

type peerRequest struct {
	ID string `json:"id"`
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mgr.Disconnect(connmgr.ParsePeerID(req.ID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "disconnected": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := s.resolve(connmgr.ParsePeerID(r.URL.Query().Get("id")))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"state":     s.mgr.State(id),
		"connected": s.mgr.IsConnected(id),
		"delimiter": s.mgr.Delimiter(id),
		"available": s.mgr.Available(id),
	})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	peers := s.mgr.Peers()
	first, _ := s.mgr.FirstConnected()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": peers,
		"count":    len(peers),
		"first":    first,
	})
}

// ── Data ──────────────────────────────────────────────────────────────────

type writeRequest struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "data must be base64", http.StatusBadRequest)
		return
	}
	id := s.resolve(connmgr.ParsePeerID(req.ID))
	if !s.mgr.IsConnected(id) {
		http.Error(w, "peer not connected", http.StatusConflict)
		return
	}
	s.mgr.Write(id, data)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "written": len(data)})
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := s.resolve(connmgr.ParsePeerID(q.Get("id")))

	var data string
	if q.Has("delimiter") {
		data = s.mgr.ReadUntil(id, q.Get("delimiter"))
	} else {
		data = s.mgr.Read(id)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"data":   data,
		"base64": base64.StdEncoding.EncodeToString(framebuf.EncodeLatin1(data)),
	})
}

type delimiterRequest struct {
	ID        string `json:"id"`
	Delimiter string `json:"delimiter"`
}

func (s *Server) setDelimiter(w http.ResponseWriter, r *http.Request) {
	var req delimiterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mgr.SetDelimiter(connmgr.ParsePeerID(req.ID), req.Delimiter); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "delimiter": req.Delimiter})
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := s.resolve(connmgr.ParsePeerID(req.ID))
	s.mgr.Clear(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cleared": true})
}

func (s *Server) available(w http.ResponseWriter, r *http.Request) {
	id := s.resolve(connmgr.ParsePeerID(r.URL.Query().Get("id")))
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "available": s.mgr.Available(id)})
}

// ── History ───────────────────────────────────────────────────────────────

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history store disabled", http.StatusNotFound)
		return
	}
	peers, err := s.history.ListPeers(r.Context())
	if err != nil {
		s.log.Error("list peers", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers, "count": len(peers)})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history store disabled", http.StatusNotFound)
		return
	}
	limit, err := queryInt(r, "limit", s.opts.HistoryLimit, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.history.RecentEvents(r.Context(), limit)
	if err != nil {
		s.log.Error("recent events", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	filter := connmgr.ParsePeerID(r.URL.Query().Get("id"))

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribe()
	defer unsub()

	// Clients only listen; the read loop notices when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && evt.PeerID != filter {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": version.Get(),
	})
}

// ── helpers ───────────────────────────────────────────────────────────────

// resolve substitutes the first connected peer for an empty id so responses
// name the peer they describe.
func (s *Server) resolve(id connmgr.PeerID) connmgr.PeerID {
	if id != "" {
		return id
	}
	first, _ := s.mgr.FirstConnected()
	return first
}

func requestedID(id connmgr.PeerID) connmgr.PeerID {
	if id == "" {
		return connmgr.FirstDevice
	}
	return id
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]interface{}{"error": err.Error()})
}

func statusFor(err error) int {
	var cerr *connmgr.ConnectError
	switch {
	case errors.Is(err, connmgr.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, connmgr.ErrNoPeer):
		return http.StatusConflict
	case errors.Is(err, connmgr.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &cerr):
		return http.StatusBadGateway
	case errors.Is(err, completion.ErrSuperseded),
		errors.Is(err, connmgr.ErrCanceled),
		errors.Is(err, connmgr.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	// An empty body means every field takes its zero value.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
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
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
