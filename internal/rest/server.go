// Package rest implements the broker's operator-facing HTTP surface:
// registration/relationship status, manual termination, and audit chain
// verification. It never touches the consent handshake itself — that is the
// Protocol Server's job — and can share the same listener and port with it
// when mounted on a common *http.ServeMux.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/auth"
	"github.com/careagent/neuron/internal/events"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
)

// ProtocolStatus is implemented by the Protocol Server so the REST layer can
// report live session counts without importing the protocol package's
// websocket internals.
type ProtocolStatus interface {
	ActiveSessions() []string
}

// Deps collects the REST server's dependencies.
type Deps struct {
	Relationships  *relationship.Store
	Terminator     *relationship.Terminator
	Registration   *registration.Service
	Protocol       ProtocolStatus
	AuditPath      string
	JWTSecret      string
	Events         *events.Bus // optional; enables GET /v1/events SSE streaming
	MetricsEnabled bool
	Log            *slog.Logger
}

// Server is the operator REST API. Every authenticated endpoint requires a
// bearer JWT signed with deps.JWTSecret; callers who fail authentication are
// throttled per-IP by authLim before a valid token ever reaches the
// per-operator rate.Limiter.
type Server struct {
	deps    Deps
	mux     *http.ServeMux
	server  *http.Server
	authLim *auth.RateLimiter

	mu          sync.Mutex
	tokenLimits map[string]*rate.Limiter
}

// New constructs a Server and registers its routes.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{
		deps:        deps,
		mux:         http.NewServeMux(),
		authLim:     auth.NewRateLimiter(),
		tokenLimits: make(map[string]*rate.Limiter),
	}
	s.registerRoutes(s.mux)
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	if s.deps.MetricsEnabled {
		mux.HandleFunc("GET /metrics", promhttp.Handler().ServeHTTP)
	}
	mux.HandleFunc("GET /v1/status", s.authed(s.handleStatus))
	mux.HandleFunc("GET /v1/relationships", s.authed(s.handleListRelationships))
	mux.HandleFunc("GET /v1/relationships/{id}", s.authed(s.handleGetRelationship))
	mux.HandleFunc("POST /v1/relationships/{id}/terminate", s.authed(s.handleTerminate))
	mux.HandleFunc("GET /v1/audit/verify", s.authed(s.handleVerifyAudit))
	if s.deps.Events != nil {
		mux.HandleFunc("GET /v1/events", s.authed(s.handleEvents))
	}
}

// Mux exposes the underlying handler so Start can mount it on a shared
// listener alongside the Protocol Server.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start begins listening on addr with its own HTTP server, or — if
// sharedMux is non-nil — registers its routes on the shared mux instead.
func (s *Server) Start(addr string, sharedMux *http.ServeMux) error {
	if sharedMux != nil {
		s.registerRoutes(sharedMux)
		return nil
	}

	s.server = &http.Server{Addr: addr, Handler: s.mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rest: listen %s: %w", addr, err)
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Log.Error("rest server exited", "error", err)
		}
	}()
	s.deps.Log.Info("rest server listening", "addr", addr)
	return nil
}

// Shutdown gracefully stops the REST server, if it owns its own listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// authed wraps h with operator-token authentication and per-operator request
// rate limiting.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.authLim.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
			return
		}

		tok := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if tok == "" {
			s.authLim.RecordFailure(ip)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.VerifyOperatorToken(s.deps.JWTSecret, tok)
		if err != nil {
			s.authLim.RecordFailure(ip)
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		s.authLim.Reset(ip)

		if !s.limiterFor(claims.OperatorID).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func (s *Server) limiterFor(operatorID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.tokenLimits[operatorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20) // 10 req/s, burst 20 per operator
		s.tokenLimits[operatorID] = lim
	}
	return lim
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	regStatus := s.deps.Registration.Status()
	var sessions []string
	if s.deps.Protocol != nil {
		sessions = s.deps.Protocol.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_npi":    regStatus.OrganizationNPI,
		"registration_status": regStatus.Status,
		"registration_id":     regStatus.RegistrationID,
		"last_heartbeat_at":   regStatus.LastHeartbeatAt,
		"active_handshakes":   len(sessions),
	})
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	var (
		rels []relationship.Relationship
		err  error
	)
	switch {
	case r.URL.Query().Get("patient_agent_id") != "":
		rels, err = s.deps.Relationships.FindByPatient(r.Context(), r.URL.Query().Get("patient_agent_id"))
	case r.URL.Query().Get("provider_npi") != "":
		rels, err = s.deps.Relationships.FindByProvider(r.Context(), r.URL.Query().Get("provider_npi"))
	case r.URL.Query().Get("status") != "":
		rels, err = s.deps.Relationships.FindByStatus(r.Context(), relationship.Status(r.URL.Query().Get("status")))
	default:
		rels, err = s.deps.Relationships.FindByStatus(r.Context(), relationship.StatusActive)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := s.deps.Relationships.FindByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, relationship.ErrNotFound) {
		writeError(w, http.StatusNotFound, "relationship not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProviderNPI string `json:"provider_npi"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.deps.Terminator.Terminate(r.Context(), r.PathValue("id"), body.ProviderNPI, body.Reason)
	switch {
	case errors.Is(err, relationship.ErrNotFound):
		writeError(w, http.StatusNotFound, "relationship not found")
	case errors.Is(err, relationship.ErrAlreadyTerminated):
		writeError(w, http.StatusConflict, "relationship already terminated")
	case errors.Is(err, relationship.ErrProviderMismatch):
		writeError(w, http.StatusForbidden, "provider NPI does not match this relationship")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "termination failed")
	default:
		if s.deps.Events != nil {
			s.deps.Events.Publish(events.Event{
				Type:           events.KindRelationshipTerminated,
				RelationshipID: rec.RelationshipID,
				ProviderNPI:    rec.ProviderNPI,
				Message:        rec.Reason,
				Timestamp:      rec.TerminatedAt,
			})
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleEvents streams broker lifecycle events to the caller as
// server-sent events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := s.deps.Events.Subscribe()
	defer cancel()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.deps.Log.Warn("failed to marshal SSE event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	result, err := audit.Verify(s.deps.AuditPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit verification failed to run")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
