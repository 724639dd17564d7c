package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/directory"
	"github.com/careagent/neuron/internal/storage"
)

func testService(t *testing.T, cfg Config, handler http.HandlerFunc) *Service {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.DirectoryURL = srv.URL

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

	dir := directory.New(srv.URL, nil)
	svc := New(cfg, dir, db, al, clock.Real{}, nil)
	t.Cleanup(svc.Stop)
	return svc
}

func TestStartRegistersWhenUnregistered(t *testing.T) {
	var registerCalls int32
	cfg := DefaultConfig()
	cfg.OrganizationNPI = "1234567893"
	cfg.OrganizationName = "Test Org"
	cfg.OrganizationType = "hospital"
	cfg.NeuronEndpointURL = "wss://neuron.example/ws/handshake"
	cfg.HealthArtifactPath = filepath.Join(t.TempDir(), "health.json")
	cfg.HeartbeatInterval = time.Hour // don't let the cron fire during this test

	svc := testService(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/neurons" && r.Method == http.MethodPost {
			atomic.AddInt32(&registerCalls, 1)
			json.NewEncoder(w).Encode(directory.RegisterNeuronResult{
				RegistrationID: "reg-1",
				BearerToken:    "tok-1",
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if atomic.LoadInt32(&registerCalls) != 1 {
		t.Fatalf("expected exactly one register_neuron call, got %d", registerCalls)
	}
	status := svc.Status()
	if status.Status != StatusRegistered {
		t.Fatalf("expected registered status, got %q", status.Status)
	}
	if status.RegistrationID != "reg-1" {
		t.Fatalf("expected registration_id reg-1, got %q", status.RegistrationID)
	}
	if status.BearerToken != "" {
		t.Fatal("Status() must never expose the bearer token")
	}
}

func TestStartDegradesWhenDirectoryUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrganizationNPI = "1234567893"
	cfg.HealthArtifactPath = filepath.Join(t.TempDir(), "health.json")
	cfg.HeartbeatInterval = time.Hour

	svc := testService(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := svc.Status()
	if status.Status != StatusUnregistered {
		t.Fatalf("expected unregistered status after failed registration, got %q", status.Status)
	}
}

func TestHeartbeatSuccessResetsBackoff(t *testing.T) {
	var beats int32
	cfg := DefaultConfig()
	cfg.OrganizationNPI = "1234567893"
	cfg.HealthArtifactPath = filepath.Join(t.TempDir(), "health.json")
	cfg.HeartbeatInterval = time.Hour

	svc := testService(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/neurons" && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(directory.RegisterNeuronResult{RegistrationID: "reg-1", BearerToken: "tok-1"})
		default:
			atomic.AddInt32(&beats, 1)
			w.WriteHeader(http.StatusNoContent)
		}
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	svc.beat(context.Background())
	if atomic.LoadInt32(&beats) != 1 {
		t.Fatalf("expected one heartbeat call, got %d", beats)
	}
	status := svc.Status()
	if status.Status != StatusRegistered {
		t.Fatalf("expected registered status after successful heartbeat, got %q", status.Status)
	}
	if svc.backoff.attempt != 0 {
		t.Fatalf("expected backoff attempt reset to 0, got %d", svc.backoff.attempt)
	}
}
