// Package protocol implements the Protocol Server (C8): the WebSocket
// listener that drives the consent handshake over the wire. It owns the
// admission queue (bounded concurrency, never rejects except after a
// generous wait) and the per-connection handshake state machine; it has no
// domain logic of its own beyond wiring frames to the Handshake Engine,
// Consent Verifier, and Relationship Store.
package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/handshake"
	"github.com/careagent/neuron/internal/ipc"
	"github.com/careagent/neuron/internal/metrics"
	"github.com/careagent/neuron/internal/relationship"
)

// connState is the per-session handshake state (§4.7).
type connState string

const (
	stateConnected      connState = "connected"
	stateAuthenticating connState = "authenticating"
	stateChallenged     connState = "challenged"
	stateCompleted      connState = "completed"
	stateFailed         connState = "failed"
	stateAuthTimeout    connState = "auth_timeout"
)

// EndpointResolver looks up the WebSocket endpoint a completed handshake
// should hand back to the client for a given provider. The Registration
// Service satisfies this with a directory lookup_by_npi for the provider.
// A resolver error is not surfaced to the client: the handshake completes
// with an empty provider_endpoint.
type EndpointResolver interface {
	ResolveProviderEndpoint(ctx context.Context, providerNPI string) (string, error)
}

// noopResolver always returns an empty endpoint. Used when the caller has no
// resolver wired yet (e.g. early bring-up, or tests exercising only the
// state machine).
type noopResolver struct{}

func (noopResolver) ResolveProviderEndpoint(context.Context, string) (string, error) { return "", nil }

// Config tunes the admission queue and framing policy.
type Config struct {
	// Path is the HTTP path the handshake WebSocket is served on.
	Path string
	// MaxConcurrentHandshakes is the admission ceiling (invariant Q1).
	MaxConcurrentHandshakes int
	// QueueTimeout bounds how long a held upgrade waits for a slot before
	// receiving an HTTP 503.
	QueueTimeout time.Duration
	// AuthTimeout bounds how long a session may sit in CONNECTED or
	// CHALLENGED waiting for the next client frame.
	AuthTimeout time.Duration
	// MaxFrameBytes caps the size of a single text frame.
	MaxFrameBytes int64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Path:                    "/ws/handshake",
		MaxConcurrentHandshakes: 10,
		QueueTimeout:            30 * time.Second,
		AuthTimeout:             30 * time.Second,
		MaxFrameBytes:           65536,
	}
}

// session is the server's bookkeeping for one connected client.
type session struct {
	id        string
	conn      *websocket.Conn
	state     connState
	connectedAt time.Time

	// populated once the first frame is parsed and pre-verified.
	patientAgentID   string
	providerNPI      string
	patientPublicKey ed25519.PublicKey
	token            consent.Token
	nonce            string
}

// Server is the C8 protocol server.
type Server struct {
	cfg             Config
	organizationNPI string

	engine        *handshake.Engine
	challenges    *challenge.Registry
	relationships *relationship.Store
	audit         *audit.Log
	resolver      EndpointResolver
	clock         clock.Clock
	log           *slog.Logger

	upgrader  websocket.Upgrader
	admission *admission

	// snapshots persists a lightweight record of each session's state so the
	// admin socket's list_sessions / crash-recovery path can see what is in
	// flight without querying this server's in-memory map directly. May be
	// nil, in which case snapshotting is skipped.
	snapshots *ipc.SnapshotStore

	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[string]*session
	stopping bool
	wg       sync.WaitGroup
}

// New constructs a Server. resolver may be nil, in which case completed
// handshakes report an empty provider_endpoint. snapshots may be nil, in
// which case session state is kept in memory only.
func New(cfg Config, organizationNPI string, engine *handshake.Engine, challenges *challenge.Registry, relationships *relationship.Store, al *audit.Log, resolver EndpointResolver, clk clock.Clock, log *slog.Logger, snapshots *ipc.SnapshotStore) *Server {
	if cfg.Path == "" {
		cfg = DefaultConfig()
	}
	if resolver == nil {
		resolver = noopResolver{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:             cfg,
		organizationNPI: organizationNPI,
		engine:          engine,
		challenges:      challenges,
		relationships:   relationships,
		audit:           al,
		resolver:        resolver,
		clock:           clk,
		log:             log.With("component", "protocol-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		admission: newAdmission(cfg.MaxConcurrentHandshakes),
		sessions:  make(map[string]*session),
		snapshots: snapshots,
	}
}

// Start begins listening on addr with its own HTTP server, or — if
// sharedMux is non-nil — registers its handler on the shared mux instead so
// the REST surface can reuse the same listener and port.
func (s *Server) Start(addr string, sharedMux *http.ServeMux) error {
	mux := sharedMux
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)

	if sharedMux != nil {
		return nil
	}

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("protocol: listen %s: %w", addr, err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("protocol server exited", "error", err)
		}
	}()
	s.log.Info("protocol server listening", "addr", addr, "path", s.cfg.Path)
	return nil
}

// Stop gracefully tears the server down: every active session is sent close
// code 1001, queued upgrades are released with no slot (they receive an
// HTTP 503 and their connections are closed), and the HTTP listener is
// closed. cmd/neuron-broker stops it before every other subsystem except the
// mDNS announcer, whose goodbye is sent first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.admission.mu.Lock()
	for e := s.admission.waiters.Front(); e != nil; e = s.admission.waiters.Front() {
		s.admission.waiters.Remove(e)
		t := e.Value.(*ticket)
		t.promoted = true
		t.admitted <- false
	}
	s.admission.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			s.clock.Now().Add(time.Second))
		_ = sess.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// ActiveSessions returns the ids of currently connected sessions.
func (s *Server) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// handleUpgrade is the HTTP entry point for the handshake path. It applies
// admission control before ever calling Upgrade, so a caller held past the
// ceiling never has its TCP connection touched until a slot frees up or its
// queue timer fires.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.admission.acquire(s.cfg.QueueTimeout) {
		metrics.QueueTimeouts.Inc()
		w.Header().Set("Connection", "close")
		http.Error(w, "handshake admission queue timed out", http.StatusServiceUnavailable)
		return
	}
	metrics.ActiveHandshakes.Set(float64(s.admission.activeCount()))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		s.admission.release()
		metrics.ActiveHandshakes.Set(float64(s.admission.activeCount()))
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		state:       stateConnected,
		connectedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.putSnapshot(sess)

	s.wg.Add(1)
	go s.run(sess)
}

// putSnapshot records sess's current state in the snapshot store. Errors are
// logged, not fatal: a snapshot write failure must never interrupt a live
// handshake.
func (s *Server) putSnapshot(sess *session) {
	if s.snapshots == nil {
		return
	}
	snap := ipc.SessionSnapshot{
		SessionID:      sess.id,
		PatientAgentID: sess.patientAgentID,
		ProviderNPI:    sess.providerNPI,
		State:          string(sess.state),
		UpdatedAt:      s.clock.Now(),
	}
	if err := s.snapshots.Put(snap); err != nil {
		s.log.Warn("snapshot write failed", "session_id", sess.id, "error", err)
	}
}

// run drives a single session's state machine end to end, on its own
// goroutine, until it reaches a terminal state.
func (s *Server) run(sess *session) {
	defer s.wg.Done()
	defer s.unregister(sess)

	if !s.readAuth(sess) {
		return
	}
	if !s.readChallengeResponse(sess) {
		return
	}
}

// unregister removes the session from the map, releases its admission slot,
// and records the terminal-state metric. Called exactly once per session,
// regardless of which path terminated it.
func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	if s.snapshots != nil {
		if err := s.snapshots.Delete(sess.id); err != nil {
			s.log.Warn("snapshot delete failed", "session_id", sess.id, "error", err)
		}
	}

	_ = sess.conn.Close()
	s.admission.release()
	metrics.ActiveHandshakes.Set(float64(s.admission.activeCount()))
	metrics.HandshakeDuration.Observe(s.clock.Since(sess.connectedAt).Seconds())
	metrics.HandshakesTotal.WithLabelValues(string(sess.state)).Inc()
}

// readAuth blocks for the first text frame (CONNECTED -> AUTHENTICATING),
// pre-verifies the consent token to extract provider_npi, and either
// completes immediately via the reconnect shortcut or advances to
// CHALLENGED. Returns false if the session reached a terminal state.
func (s *Server) readAuth(sess *session) bool {
	sess.conn.SetReadDeadline(s.clock.Now().Add(s.cfg.AuthTimeout))

	msgType, raw, err := sess.conn.ReadMessage()
	if err != nil {
		sess.state = stateAuthTimeout
		s.auditConnectionEvent(sess, "connection.timeout", "auth timer expired before first frame")
		s.closeWith(sess, 4001, wireAuthTimeout, "no auth frame received before timeout")
		return false
	}
	if msgType != websocket.TextMessage {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "binary frames are not accepted")
		return false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "handshake.auth" {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "expected handshake.auth as the first frame")
		return false
	}

	var auth authMessage
	if err := json.Unmarshal(raw, &auth); err != nil {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "malformed handshake.auth frame")
		return false
	}

	sess.state = stateAuthenticating

	pubKey, err := consent.ImportPublicKey(auth.PatientPublicKey)
	if err != nil {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, err.Error())
		return false
	}
	payload, err := decodeBase64URL(auth.ConsentTokenPayload)
	if err != nil {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "consent_token_payload is not valid base64url")
		return false
	}
	signature, err := decodeBase64URL(auth.ConsentTokenSignature)
	if err != nil {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "consent_token_signature is not valid base64url")
		return false
	}
	token := consent.Token{Payload: payload, Signature: signature}

	sess.patientAgentID = auth.PatientAgentID
	sess.patientPublicKey = pubKey
	sess.token = token
	s.putSnapshot(sess)

	s.auditConnectionEvent(sess, "connection.handshake_started", "")

	claims, verr := consent.Verify(token, pubKey)
	if verr != nil {
		sess.state = stateFailed
		code, closeCode := mapConsentError(verr)
		s.auditFailure(sess, verr.Error())
		s.closeWith(sess, closeCode, code, verr.Error())
		return false
	}
	sess.providerNPI = claims.ProviderNPI

	if existing, err := s.relationships.FindActiveByPatientProvider(context.Background(), sess.patientAgentID, sess.providerNPI); err == nil {
		sess.state = stateCompleted
		s.putSnapshot(sess)
		s.auditConnectionEvent(sess, "connection.handshake_completed", "existing")
		endpoint, _ := s.resolver.ResolveProviderEndpoint(context.Background(), sess.providerNPI)
		s.sendComplete(sess, existing.RelationshipID, endpoint, "existing")
		s.closeNormal(sess)
		return false
	} else if !errors.Is(err, relationship.ErrNotFound) {
		sess.state = stateFailed
		s.closeWith(sess, 4003, wireServerError, "relationship lookup failed")
		return false
	}

	challengeOut, err := s.engine.Start(sess.patientAgentID, sess.providerNPI, pubKey)
	if err != nil {
		sess.state = stateFailed
		code := wireServerError
		if errors.Is(err, challenge.ErrFull) {
			code = wireServerBusy
		}
		s.closeWith(sess, 4003, code, err.Error())
		return false
	}
	sess.nonce = challengeOut.Nonce
	sess.state = stateChallenged
	s.putSnapshot(sess)

	if err := sess.conn.WriteJSON(challengeMessage{
		Type:            "handshake.challenge",
		Nonce:           challengeOut.Nonce,
		ProviderNPI:     challengeOut.ProviderNPI,
		OrganizationNPI: challengeOut.OrganizationNPI,
	}); err != nil {
		sess.state = stateFailed
		return false
	}

	return true
}

// readChallengeResponse blocks for the second text frame (CHALLENGED), then
// delegates signature, nonce, and re-verification of consent to the
// Handshake Engine, which also performs the idempotent create-or-reuse and
// its audit append.
func (s *Server) readChallengeResponse(sess *session) bool {
	sess.conn.SetReadDeadline(s.clock.Now().Add(s.cfg.AuthTimeout))

	msgType, raw, err := sess.conn.ReadMessage()
	if err != nil {
		sess.state = stateAuthTimeout
		s.auditConnectionEvent(sess, "connection.timeout", "auth timer expired waiting for challenge response")
		s.closeWith(sess, 4001, wireAuthTimeout, "no challenge response received before timeout")
		return false
	}
	if msgType != websocket.TextMessage {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "binary frames are not accepted")
		return false
	}

	var resp challengeResponseMessage
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Type != "handshake.challenge_response" {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "expected handshake.challenge_response")
		return false
	}
	signedNonce, err := decodeBase64URL(resp.SignedNonce)
	if err != nil {
		sess.state = stateFailed
		s.closeWith(sess, 4002, wireInvalidMessage, "signed_nonce is not valid base64url")
		return false
	}

	result, err := s.engine.Complete(context.Background(), sess.nonce, signedNonce, sess.token)
	if err != nil {
		sess.state = stateFailed
		var herr *handshake.Error
		msg := err.Error()
		wireCode := wireConsentFailed
		if errors.As(err, &herr) && herr.Code == handshake.CodeMalformedToken {
			wireCode = wireInvalidMessage
		}
		s.closeWith(sess, 4003, wireCode, msg)
		return false
	}

	sess.state = stateCompleted
	s.putSnapshot(sess)
	status := "new"
	if result.Existing {
		status = "existing"
	}
	s.auditConnectionEvent(sess, "connection.handshake_completed", status)
	endpoint, _ := s.resolver.ResolveProviderEndpoint(context.Background(), sess.providerNPI)
	s.sendComplete(sess, result.RelationshipID, endpoint, status)
	s.closeNormal(sess)
	return true
}

func (s *Server) sendComplete(sess *session, relationshipID, endpoint, status string) {
	_ = sess.conn.WriteJSON(completeMessage{
		Type:             "handshake.complete",
		RelationshipID:   relationshipID,
		ProviderEndpoint: endpoint,
		Status:           status,
	})
}

func (s *Server) closeNormal(sess *session) {
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		s.clock.Now().Add(time.Second))
}

func (s *Server) closeWith(sess *session, code int, wireCode, message string) {
	_ = sess.conn.WriteJSON(errorMessage{Type: "handshake.error", Code: wireCode, Message: message})
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, wireCode),
		s.clock.Now().Add(time.Second))
}

func (s *Server) auditConnectionEvent(sess *session, action, status string) {
	details := map[string]any{"patient_agent_id": sess.patientAgentID}
	if sess.providerNPI != "" {
		details["provider_npi"] = sess.providerNPI
	}
	if status != "" {
		details["status"] = status
	}
	if _, err := s.audit.Append(audit.CategoryConnection, action, sess.patientAgentID, details); err != nil {
		s.log.Error("audit append failed", "action", action, "error", err)
	}
}

func (s *Server) auditFailure(sess *session, reason string) {
	if _, err := s.audit.Append(audit.CategoryConnection, "connection.handshake_failed", sess.patientAgentID, map[string]any{
		"provider_npi": sess.providerNPI,
		"reason":       reason,
	}); err != nil {
		s.log.Error("audit append failed", "action", "connection.handshake_failed", "error", err)
	}
}

// mapConsentError translates a consent.Error into the wire error code and
// WebSocket close code the spec's error-code mapping requires.
func mapConsentError(err error) (wireCode string, closeCode int) {
	var ce *consent.Error
	if errors.As(err, &ce) {
		switch ce.Code {
		case consent.CodeMalformed:
			return wireInvalidMessage, 4002
		case consent.CodeInvalidSignature, consent.CodeExpired:
			return wireConsentFailed, 4003
		}
	}
	return wireServerError, 4003
}

func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
