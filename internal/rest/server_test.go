package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/auth"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/directory"
	"github.com/careagent/neuron/internal/events"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

const testSecret = "test-operator-secret"

func testServer(t *testing.T) (*Server, *relationship.Store, *events.Bus) {
	t.Helper()

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(context.Background(), db, storage.Migrations()); err != nil {
		t.Fatalf("storage.Migrate: %v", err)
	}

	auditPath := filepath.Join(t.TempDir(), "audit.ndjson")
	al, err := audit.Open(auditPath, clock.Real{}, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	rels := relationship.NewStore(db, clock.Real{})
	term := relationship.NewTerminator(rels, db, al, clock.Real{})

	dirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(dirSrv.Close)
	dirClient := directory.New(dirSrv.URL, nil)

	regCfg := registration.DefaultConfig()
	regCfg.OrganizationNPI = "1234567893"
	regCfg.DirectoryURL = dirSrv.URL
	regCfg.HealthArtifactPath = filepath.Join(t.TempDir(), "health.json")
	regSvc := registration.New(regCfg, dirClient, db, al, clock.Real{}, nil)
	if err := regSvc.Start(context.Background()); err != nil {
		t.Fatalf("registration Start: %v", err)
	}
	t.Cleanup(regSvc.Stop)

	bus := events.New()
	srv := New(Deps{
		Relationships: rels,
		Terminator:    term,
		Registration:  regSvc,
		AuditPath:     auditPath,
		JWTSecret:     testSecret,
		Events:        bus,
	})
	return srv, rels, bus
}

func bearerToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.IssueOperatorToken(testSecret, "op-1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}
	return tok
}

func TestAuthed_MissingToken(t *testing.T) {
	srv, _, _ := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthed_InvalidToken(t *testing.T) {
	srv, _, _ := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	r.Header.Set("Authorization", "Bearer not-a-real-token")
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthed_ValidToken(t *testing.T) {
	srv, _, _ := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestAuthed_RepeatedFailuresAreThrottled(t *testing.T) {
	srv, _, _ := testServer(t)
	req := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		r.RemoteAddr = "203.0.113.7:54321"
		r.Header.Set("Authorization", "Bearer garbage")
		srv.mux.ServeHTTP(w, r)
		return w
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		last = req()
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status after repeated failures = %d, want 429", last.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _, _ := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["organization_npi"] != "1234567893" {
		t.Fatalf("organization_npi = %v", body["organization_npi"])
	}
}

func TestHandleListAndGetRelationship(t *testing.T) {
	srv, rels, _ := testServer(t)
	rel, err := rels.Create(context.Background(), "patient-agent-1", "1234567893", []string{"read_records"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/relationships", nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/v1/relationships/"+rel.RelationshipID, nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/v1/relationships/does-not-exist", nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", w.Code)
	}
}

func TestHandleTerminate(t *testing.T) {
	srv, rels, _ := testServer(t)
	rel, err := rels.Create(context.Background(), "patient-agent-1", "1234567893", []string{"read_records"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"provider_npi": "1234567893", "reason": "patient request"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/relationships/"+rel.RelationshipID+"/terminate", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("terminate status = %d, body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/relationships/"+rel.RelationshipID+"/terminate", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusConflict {
		t.Fatalf("re-terminate status = %d, want 409", w.Code)
	}

	body, _ = json.Marshal(map[string]string{"provider_npi": "9999999999", "reason": "wrong provider"})
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/relationships/other-id/terminate", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("terminate unknown id status = %d, want 404", w.Code)
	}
}

func TestHandleVerifyAudit(t *testing.T) {
	srv, rels, _ := testServer(t)
	if _, err := rels.Create(context.Background(), "patient-agent-1", "1234567893", []string{"read_records"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	srv.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body=%s", w.Code, w.Body.String())
	}
	var result audit.VerifyResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Valid {
		t.Fatalf("verify result not valid: %+v", result)
	}
}

func TestHandleEvents_StreamsPublishedEvent(t *testing.T) {
	srv, _, bus := testServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer "+bearerToken(t))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.mux.ServeHTTP(w, r)
		close(done)
	}()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.Event{Type: events.KindRelationshipTerminated, RelationshipID: "rel-1"})
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after context cancellation")
	}

	if !bytes.Contains(w.Body.Bytes(), []byte("relationship_terminated")) {
		t.Fatalf("SSE stream missing published event, got: %s", w.Body.String())
	}
}
