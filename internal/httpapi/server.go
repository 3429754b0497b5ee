package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/cron"
	"github.com/antoniostano/ironclaw/internal/engine"
	"github.com/antoniostano/ironclaw/internal/notify"
	"github.com/antoniostano/ironclaw/internal/observability"
	"github.com/antoniostano/ironclaw/internal/protocol"
	"github.com/antoniostano/ironclaw/internal/store"
)

// Source tags turns that arrive over HTTP or the chat websocket.
const Source = "http"

// Engine is the part of the orchestration engine the API exposes.
type Engine interface {
	HandleTurn(ctx context.Context, userID, text string) (engine.Reply, error)
	RecentTurns(ctx context.Context, userID string, limit int) ([]store.Turn, error)
	Memories(ctx context.Context, userID string) ([]store.Fact, error)
	Forget(ctx context.Context, userID string) (int64, error)
	Jobs(ctx context.Context, userID string) ([]store.Job, error)
	Schedule(ctx context.Context, userID, expr, prompt string) (store.Job, error)
	CancelJob(ctx context.Context, userID string, id int64) (bool, error)
	Status(ctx context.Context, userID string) (engine.Status, error)
}

type Config struct {
	AllowAnyOrigin bool
	// HistoryLimit caps GET /v1/users/{id}/history when no limit is given.
	HistoryLimit int
	// ChatIdleTimeout is how long a chat socket may stay silent between
	// frames. Time spent answering a turn does not count.
	ChatIdleTimeout time.Duration
}

type Server struct {
	cfg      Config
	engine   Engine
	hub      *notify.Hub
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg Config, eng Engine, hub *notify.Hub, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.ChatIdleTimeout <= 0 {
		cfg.ChatIdleTimeout = wsReadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		engine:  eng,
		hub:     hub,
		metrics: metrics,
		logger:  logger.Named("httpapi"),
		static:  newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleTurn)
	r.Get("/v1/users/{id}/history", s.handleHistory)
	r.Get("/v1/users/{id}/memories", s.handleListMemories)
	r.Delete("/v1/users/{id}/memories", s.handleForget)
	r.Get("/v1/jobs", s.handleListJobs)
	r.Post("/v1/jobs", s.handleCreateJob)
	r.Post("/v1/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context(), "")
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"backend":    st.Backend,
		"store_mode": st.StoreMode,
	})
}

type turnRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type turnResponse struct {
	UserID string   `json:"user_id"`
	Text   string   `json:"text"`
	Notes  []string `json:"notes,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reply, err := s.engine.HandleTurn(engine.WithSource(r.Context(), Source), req.UserID, req.Text)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, turnResponse{
		UserID: strings.TrimSpace(req.UserID),
		Text:   reply.Text,
		Notes:  reply.Notes,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := s.cfg.HistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	turns, err := s.engine.RecentTurns(r.Context(), userID, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	facts, err := s.engine.Memories(r.Context(), userID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if facts == nil {
		facts = []store.Fact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "memories": facts})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	n, err := s.engine.Forget(r.Context(), userID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "deleted": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context(), strings.TrimSpace(r.URL.Query().Get("user_id")))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// respondEngineError maps the turn error taxonomy onto HTTP status codes.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrMissingUser), errors.Is(err, engine.ErrEmptyTurn):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, cron.ErrInvalidCron):
		respondError(w, http.StatusBadRequest, "invalid_cron", err.Error())
	case errors.Is(err, engine.ErrBackendUnavailable):
		respondError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
	case errors.Is(err, store.ErrStoreWrite):
		respondError(w, http.StatusInternalServerError, "store_write_failed", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "cancelled", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 50 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(engine.WithSource(r.Context(), Source))
	defer cancel()

	var pushed <-chan notify.Message
	if s.hub != nil {
		ch, unsubscribe := s.hub.Subscribe(userID)
		defer unsubscribe()
		pushed = ch
	}

	logger := s.logger.With(zap.String("user_id", userID))
	logger.Info("chat websocket connected")
	defer logger.Info("chat websocket disconnected")

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var frame any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			case msg, ok := <-pushed:
				if !ok {
					pushed = nil
					continue
				}
				frame = protocol.NewScheduled(msg.JobID, msg.Text, msg.CreatedAt)
			case frame = <-outbound:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ChatIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ChatIdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ChatIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		in, err := protocol.ParseClientMessage(data)
		if err != nil {
			if !queue(ctx, outbound, protocol.NewError("", "invalid_client_message", false, err.Error())) {
				break
			}
			continue
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		// Turns run inline so one connection keeps its own ordering.
		var frame any
		reply, err := s.engine.HandleTurn(ctx, userID, in.Text)
		if err != nil {
			code, retryable := errorCode(err)
			frame = protocol.NewError(id, code, retryable, err.Error())
		} else {
			frame = protocol.NewReply(id, reply.Text, reply.Notes)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ChatIdleTimeout))
		if !queue(ctx, outbound, frame) {
			break
		}
	}

	cancel()
	<-writerDone
}

func queue(ctx context.Context, out chan<- any, frame any) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- frame:
		return true
	}
}

func errorCode(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, engine.ErrMissingUser), errors.Is(err, engine.ErrEmptyTurn):
		return "invalid_request", false
	case errors.Is(err, engine.ErrBackendUnavailable):
		return "backend_unavailable", true
	case errors.Is(err, store.ErrStoreWrite):
		return "store_write_failed", true
	default:
		return "internal", false
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
