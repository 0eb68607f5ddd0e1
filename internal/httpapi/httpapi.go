package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/ufanet/internal/core/api"
	"github.com/trymwestin/ufanet/internal/core/auth"
	"github.com/trymwestin/ufanet/internal/core/coordinator"
	"github.com/trymwestin/ufanet/internal/core/state"
	"github.com/trymwestin/ufanet/internal/core/transport"
)

// Coordinator is the polling surface the API reads from.
type Coordinator interface {
	Snapshot() (state.Snapshot, bool)
	RefreshNow(ctx context.Context) (state.Snapshot, error)
	Phase() coordinator.Phase
	Running() bool
}

// DoorOpener opens an intercom door.
type DoorOpener interface {
	OpenDoor(ctx context.Context, intercomID int) (bool, error)
}

// TokenReader exposes the current session token.
type TokenReader interface {
	Get() (auth.Token, bool)
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadWait     = 60 * time.Second
)

// Server is the HTTP API server.
type Server struct {
	coord   Coordinator
	doors   DoorOpener
	tokens  TokenReader
	bus     *state.EventBus
	metrics http.Handler
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux

	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server. metrics may be nil.
func NewServer(
	coord Coordinator,
	doors DoorOpener,
	tokens TokenReader,
	bus *state.EventBus,
	metrics http.Handler,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		coord:   coord,
		doors:   doors,
		tokens:  tokens,
		bus:     bus,
		metrics: metrics,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if corsAll {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/snapshot", s.handleGetSnapshot)
	s.mux.HandleFunc("GET /api/intercoms", s.handleGetIntercoms)
	s.mux.HandleFunc("GET /api/cameras", s.handleGetCameras)
	s.mux.HandleFunc("GET /api/contract", s.handleGetContract)
	s.mux.HandleFunc("GET /api/events", s.handleGetEvents)

	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/intercoms/{id}/open", s.handleOpenDoor)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// writeKindError maps a backend failure onto a status code by its kind.
func (s *Server) writeKindError(w http.ResponseWriter, err error) {
	kind, ok := transport.KindOf(err)
	if !ok {
		kind = transport.KindUnexpected
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(kind transport.ErrorKind) int {
	switch kind {
	case transport.KindUnauthorized:
		return http.StatusUnauthorized
	case transport.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// snapshot writes 503 and returns false before the first publish.
func (s *Server) snapshot(w http.ResponseWriter) (state.Snapshot, bool) {
	snap, ok := s.coord.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, coordinator.ErrNoSnapshot.Error())
	}
	return snap, ok
}

// --- Handlers ---

type statusResponse struct {
	Phase          coordinator.Phase    `json:"phase"`
	Running        bool                 `json:"running"`
	TokenPresent   bool                 `json:"token_present"`
	TokenExpiresAt *time.Time           `json:"token_expires_at,omitempty"`
	CycleID        string               `json:"cycle_id,omitempty"`
	LastFetch      *time.Time           `json:"last_fetch,omitempty"`
	Healthy        bool                 `json:"healthy"`
	CycleError     *state.ResourceError `json:"cycle_error,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Phase:   s.coord.Phase(),
		Running: s.coord.Running(),
	}
	if tok, ok := s.tokens.Get(); ok {
		resp.TokenPresent = true
		if !tok.Expiry.IsZero() {
			resp.TokenExpiresAt = &tok.Expiry
		}
	}
	if snap, ok := s.coord.Snapshot(); ok {
		resp.CycleID = snap.CycleID
		resp.LastFetch = &snap.FetchedAt
		resp.Healthy = snap.Healthy()
		resp.CycleError = snap.Err
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, snap)
	}
}

func (s *Server) handleGetIntercoms(w http.ResponseWriter, _ *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, map[string]interface{}{
			"intercoms": snap.Intercoms,
			"error":     snap.Errors[state.ResourceIntercoms],
		})
	}
}

func (s *Server) handleGetCameras(w http.ResponseWriter, _ *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, map[string]interface{}{
			"cameras": snap.Cameras,
			"error":   snap.Errors[state.ResourceCameras],
		})
	}
}

func (s *Server) handleGetContract(w http.ResponseWriter, _ *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, map[string]interface{}{
			"contract": snap.Contract,
			"error":    snap.Errors[state.ResourceContract],
		})
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.RefreshNow(r.Context())
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, snap)
}

type openResponse struct {
	IntercomID int  `json:"intercom_id"`
	Result     bool `json:"result"`
}

func (s *Server) handleOpenDoor(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseIntercomID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Reject ids the last snapshot proves unknown; without one, pass through.
	if snap, ok := s.coord.Snapshot(); ok && snap.Errors[state.ResourceIntercoms] == nil {
		if _, found := api.FindIntercom(snap.Intercoms, id); !found {
			s.writeError(w, http.StatusNotFound, api.ErrIntercomNotFound.Error())
			return
		}
	}

	opened, err := s.doors.OpenDoor(r.Context(), id)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, openResponse{IntercomID: id, Result: opened})
}

// handleGetEvents streams bus events over a WebSocket, one JSON text frame
// per event, until the client goes away.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readClient(conn, cancel)

	s.log.Debug("event stream opened", "remote_addr", r.RemoteAddr)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("event stream write failed", "remote_addr", r.RemoteAddr, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readClient drains client frames so control messages are processed and
// cancels the stream when the connection closes.
func (s *Server) readClient(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("event stream read ended", "error", err)
			}
			return
		}
	}
}
