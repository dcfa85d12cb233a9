package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"studybuddy/internal/engine"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// HeaderUserID carries the caller's user id. Authentication happens in front
// of this service; the header is trusted as given.
const HeaderUserID = "X-User-ID"

type ctxKey struct{}

// Registry reports live websocket connections.
type Registry interface {
	IsConnected(userID string) bool
	GetStats() map[string]int
}

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// MessageRateLimit caps message sends per user per minute. Zero disables it.
	MessageRateLimit int
}

// Server exposes engine operations over HTTP. It holds no business logic.
type Server struct {
	engine   *engine.Engine
	registry Registry
	limiter  *RateLimiter
	router   *mux.Router
	handler  http.Handler
	started  time.Time
}

// NewServer builds the router and CORS wrapper.
func NewServer(e *engine.Engine, registry Registry, opts Options) *Server {
	s := &Server{
		engine:   e,
		registry: registry,
		router:   mux.NewRouter(),
		started:  time.Now(),
	}
	if opts.MessageRateLimit > 0 {
		s.limiter = NewRateLimiter(opts.MessageRateLimit, time.Minute)
	}
	s.setupRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", HeaderUserID},
		AllowCredentials: true,
		MaxAge:           86400,
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware)
	api.Use(userMiddleware)

	api.HandleFunc("/users", s.registerUser).Methods("POST")
	api.HandleFunc("/users/{userId}", s.getProfile).Methods("GET")

	api.HandleFunc("/requests", s.pendingRequests).Methods("GET")
	api.HandleFunc("/requests/status/{userId}", s.connectionStatus).Methods("GET")
	api.HandleFunc("/requests/{userId}", s.sendRequest).Methods("POST")
	api.HandleFunc("/requests/{userId}/accept", s.resolveRequest(types.DecisionAccept)).Methods("POST")
	api.HandleFunc("/requests/{userId}/reject", s.resolveRequest(types.DecisionReject)).Methods("POST")

	api.HandleFunc("/connections", s.connections).Methods("GET")
	api.HandleFunc("/unread", s.unreadCount).Methods("GET")

	api.HandleFunc("/chats", s.listChats).Methods("GET")
	api.HandleFunc("/chats/{userId}", s.openChat).Methods("POST")
	api.HandleFunc("/chats/{key}/messages", s.messages).Methods("GET")
	api.HandleFunc("/chats/{key}/messages", s.sendMessage).Methods("POST")
	api.HandleFunc("/chats/{key}/seen", s.markSeen).Methods("POST")
}

// Router exposes the mux so other handlers (the websocket endpoint) can be mounted.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type RegisterResponse struct {
	User    types.Profile `json:"user"`
	Created bool          `json:"created"`
}

type StatusResponse struct {
	UserID       string             `json:"userId"`
	Relationship types.Relationship `json:"relationship"`
}

type ConnectionView struct {
	types.Profile
	Online bool `json:"online"`
}

type ChannelResponse struct {
	Key string `json:"key"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ResultResponse struct {
	Message string `json:"message"`
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	var profile types.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	caller := callerID(r)
	if profile.ID == "" {
		profile.ID = caller
	}
	if profile.ID != caller {
		s.sendError(w, ErrUserMismatch.Error(), http.StatusForbidden)
		return
	}

	created, err := s.engine.RegisterUser(r.Context(), profile)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	s.sendJSON(w, code, RegisterResponse{User: profile, Created: created})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.engine.GetProfile(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, profile)
}

func (s *Server) pendingRequests(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.PendingReceived(r.Context(), callerID(r))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []types.RequestEntry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	other := mux.Vars(r)["userId"]
	rel, err := s.engine.ConnectionStatus(r.Context(), callerID(r), other)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{UserID: other, Relationship: rel})
}

func (s *Server) sendRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SendConnectionRequest(r.Context(), callerID(r), mux.Vars(r)["userId"]); err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, ResultResponse{Message: "Connection request sent"})
}

func (s *Server) resolveRequest(decision types.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.engine.ResolveConnectionRequest(r.Context(), callerID(r), mux.Vars(r)["userId"], decision)
		if err != nil {
			s.sendEngineError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, ResultResponse{Message: fmt.Sprintf("Connection request %sed", decision)})
	}
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.engine.Connections(r.Context(), callerID(r))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	ids := make([]string, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	online, err := s.engine.OnlineAmong(r.Context(), ids)
	if err != nil {
		log.Printf("Presence lookup failed: %v", err)
	}

	views := make([]ConnectionView, len(profiles))
	for i, p := range profiles {
		views[i] = ConnectionView{Profile: p, Online: online[p.ID] || s.registry.IsConnected(p.ID)}
	}
	s.sendJSON(w, http.StatusOK, views)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.UnreadChannelCount(r.Context(), callerID(r))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	previews, err := s.engine.ListChannels(r.Context(), callerID(r))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	if previews == nil {
		previews = []types.ChatPreview{}
	}
	s.sendJSON(w, http.StatusOK, previews)
}

func (s *Server) openChat(w http.ResponseWriter, r *http.Request) {
	key, err := s.engine.EnsureAndOpenChannel(r.Context(), callerID(r), mux.Vars(r)["userId"])
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ChannelResponse{Key: key})
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.engine.Messages(r.Context(), callerID(r), mux.Vars(r)["key"])
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	s.sendJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if s.limiter != nil && !s.limiter.Allow(caller) {
		s.sendError(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	msg, err := s.engine.SendMessage(r.Context(), caller, mux.Vars(r)["key"], req.Text)
	if err != nil && msg == nil {
		s.sendEngineError(w, err)
		return
	}
	if err != nil {
		// The message is stored; the channel summary is repaired in the background.
		log.Printf("Message %s stored with stale summary: %v", msg.ID, err)
	}
	s.sendJSON(w, http.StatusCreated, msg)
}

func (s *Server) markSeen(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.MarkChannelSeen(r.Context(), callerID(r), mux.Vars(r)["key"]); err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ResultResponse{Message: "Channel marked seen"})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.engine.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		System: map[string]interface{}{
			"goroutines":           runtime.NumGoroutine(),
			"uptime":               time.Since(s.started).Round(time.Second).String(),
			"active_subscriptions": s.engine.Hub().ActiveSubscriptions(),
			"pending_replays":      s.engine.Reconciler().Pending(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrPartialWrite):
		return http.StatusAccepted
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrTransientStore), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendEngineError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusAccepted {
		// Applied in part; the reconciler finishes the remaining writes.
		log.Printf("Partial write queued for reconciliation: %v", err)
		s.sendJSON(w, code, ResultResponse{Message: err.Error()})
		return
	}
	if code >= http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
	}
	s.sendError(w, err.Error(), code)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	writeError(w, message, code)
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// userMiddleware requires a well-formed X-User-ID and stores it in the request context.
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			writeError(w, ErrMissingUser.Error(), http.StatusUnauthorized)
			return
		}
		if !types.IsValidUserID(userID) {
			writeError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: http.StatusText(code), Code: code, Message: message})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}
