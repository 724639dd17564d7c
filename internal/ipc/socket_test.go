package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/auth"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/directory"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

const testToken = "ntk_test-shared-secret"

func testSocketServer(t *testing.T) (*Server, string) {
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

	snaps, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.bolt"))
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })

	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	srv := New(sockPath, Deps{
		Relationships: rels,
		Terminator:    term,
		Registration:  regSvc,
		Snapshots:     snaps,
		TokenHash:     auth.HashToken(testToken),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, sockPath
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSocket_RejectsBadToken(t *testing.T) {
	_, sockPath := testSocketServer(t)
	resp := roundTrip(t, sockPath, Request{Token: "wrong", Command: "status"})
	if resp.OK {
		t.Fatalf("expected rejection, got %+v", resp)
	}
}

func TestSocket_Status(t *testing.T) {
	_, sockPath := testSocketServer(t)
	resp := roundTrip(t, sockPath, Request{Token: testToken, Command: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %+v", resp)
	}
}

func TestSocket_UnknownCommand(t *testing.T) {
	_, sockPath := testSocketServer(t)
	resp := roundTrip(t, sockPath, Request{Token: testToken, Command: "nonsense"})
	if resp.OK || resp.Error == "" {
		t.Fatalf("expected error for unknown command, got %+v", resp)
	}
}

func TestSocket_Terminate(t *testing.T) {
	_, sockPath := testSocketServer(t)

	// Create a relationship directly isn't possible from this test without
	// the Store handle, so exercise the not-found path instead.
	args, _ := json.Marshal(map[string]string{
		"relationship_id": "does-not-exist",
		"provider_npi":     "1234567893",
		"reason":           "test",
	})
	resp := roundTrip(t, sockPath, Request{Token: testToken, Command: "terminate", Args: args})
	if resp.OK {
		t.Fatalf("expected failure terminating unknown relationship, got %+v", resp)
	}
}
