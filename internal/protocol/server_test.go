package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/handshake"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

// testBroker wires a full real stack (audit log on disk, in-memory storage,
// relationship store, challenge registry, handshake engine, protocol server)
// on a random loopback port. Everything is cleaned up via t.Cleanup.
func testBroker(t *testing.T, cfg Config) (addr string, patientKey ed25519.PrivateKey) {
	t.Helper()

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(context.Background(), db, storage.Migrations()); err != nil {
		t.Fatalf("storage.Migrate: %v", err)
	}

	al, err := audit.Open(filepath.Join(t.TempDir(), "audit.ndjson"), clock.Real{}, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	relStore := relationship.NewStore(db, clock.Real{})
	challenges := challenge.New(clock.Real{})
	engine := handshake.New(challenges, relStore, al, "1234567893")

	srv := New(cfg, "1234567893", engine, challenges, relStore, al, nil, clock.Real{}, nil, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = lis.Addr().String()
	lis.Close()

	if err := srv.Start(addr, nil); err != nil {
		t.Fatalf("srv.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	// Give the listener goroutine a moment to start accepting.
	time.Sleep(20 * time.Millisecond)

	pub, priv, err := ed25519.GenerateKey(nil)
	_ = pub
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return addr, priv
}

func dialHandshake(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/ws/handshake"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func signedConsentToken(t *testing.T, priv ed25519.PrivateKey, patientAgentID, providerNPI string, expiresIn time.Duration) consent.Token {
	t.Helper()
	claims := consent.Claims{
		PatientAgentID:   patientAgentID,
		ProviderNPI:      providerNPI,
		ConsentedActions: []string{"office_visit"},
		IssuedAt:         time.Now().Unix(),
		ExpiresAt:        time.Now().Add(expiresIn).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	sig := ed25519.Sign(priv, payload)
	return consent.Token{Payload: payload, Signature: sig}
}

func sendAuth(t *testing.T, conn *websocket.Conn, token consent.Token, patientAgentID string, pub ed25519.PublicKey) {
	t.Helper()
	msg := authMessage{
		Type:                  "handshake.auth",
		ConsentTokenPayload:   base64.RawURLEncoding.EncodeToString(token.Payload),
		ConsentTokenSignature: base64.RawURLEncoding.EncodeToString(token.Signature),
		PatientAgentID:        patientAgentID,
		PatientPublicKey:      base64.RawURLEncoding.EncodeToString(pub),
		PatientEndpoint:       "ws://patient.example/agent",
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write handshake.auth: %v", err)
	}
}

func TestHappyPathNewRelationship(t *testing.T) {
	addr, priv := testBroker(t, DefaultConfig())
	pub := priv.Public().(ed25519.PublicKey)

	conn := dialHandshake(t, addr)
	token := signedConsentToken(t, priv, "patient-001", "9876543210", time.Hour)
	sendAuth(t, conn, token, "patient-001", pub)

	var ch challengeMessage
	if err := conn.ReadJSON(&ch); err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	if ch.Type != "handshake.challenge" {
		t.Fatalf("expected handshake.challenge, got %q", ch.Type)
	}
	if ch.ProviderNPI != "9876543210" {
		t.Fatalf("provider_npi mismatch: %q", ch.ProviderNPI)
	}

	sig := ed25519.Sign(priv, []byte(ch.Nonce))
	resp := challengeResponseMessage{
		Type:        "handshake.challenge_response",
		SignedNonce: base64.RawURLEncoding.EncodeToString(sig),
	}
	if err := conn.WriteJSON(resp); err != nil {
		t.Fatalf("write challenge response: %v", err)
	}

	var complete completeMessage
	if err := conn.ReadJSON(&complete); err != nil {
		t.Fatalf("read complete: %v", err)
	}
	if complete.Type != "handshake.complete" {
		t.Fatalf("expected handshake.complete, got %q", complete.Type)
	}
	if complete.Status != "new" {
		t.Fatalf("expected status=new, got %q", complete.Status)
	}
	if complete.RelationshipID == "" {
		t.Fatal("expected non-empty relationship_id")
	}
}

func TestExpiredTokenFails(t *testing.T) {
	addr, priv := testBroker(t, DefaultConfig())
	pub := priv.Public().(ed25519.PublicKey)

	conn := dialHandshake(t, addr)
	token := signedConsentToken(t, priv, "patient-002", "9876543210", -time.Second)
	sendAuth(t, conn, token, "patient-002", pub)

	var errMsg errorMessage
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errMsg.Type != "handshake.error" {
		t.Fatalf("expected handshake.error, got %q", errMsg.Type)
	}
	if errMsg.Code != wireConsentFailed {
		t.Fatalf("expected CONSENT_FAILED, got %q", errMsg.Code)
	}
}

func TestAdmissionCeilingQueuesThirdConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentHandshakes = 2
	cfg.QueueTimeout = 200 * time.Millisecond
	addr, priv := testBroker(t, cfg)
	pub := priv.Public().(ed25519.PublicKey)

	// Two connections hold their admitted slot open by never sending a
	// frame; the third should be queued and then rejected with 503 once
	// its queue timer fires, since neither of the first two ever frees a
	// slot within that window.
	conn1 := dialHandshake(t, addr)
	conn2 := dialHandshake(t, addr)
	_ = pub

	url := "ws://" + addr + "/ws/handshake"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected third connection to be refused after queue timeout")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 503, got %d", status)
	}

	conn1.Close()
	conn2.Close()
}
