// Package registration implements the Registration Service (C10): startup
// registration with the federated directory, a periodic heartbeat with
// full-jitter exponential backoff on failure, and provider add/remove. It
// persists its state through the storage engine so a restart can resume
// without re-registering.
package registration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/directory"
	"github.com/careagent/neuron/internal/metrics"
	"github.com/careagent/neuron/internal/npi"
	"github.com/careagent/neuron/internal/storage"
)

// Status is the neuron's registration lifecycle state.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistered    Status = "registered"
	StatusDegraded      Status = "degraded"
)

// State is the persisted singleton registration row.
type State struct {
	OrganizationNPI         string
	OrganizationName        string
	OrganizationType        string
	DirectoryURL            string
	NeuronEndpointURL       string
	RegistrationID          string
	BearerToken             string
	Status                  Status
	FirstRegisteredAt       time.Time
	LastHeartbeatAt         time.Time
	LastDirectoryResponseAt time.Time
}

// ProviderRegistration tracks one provider's directory registration status.
type ProviderRegistration struct {
	ProviderNPI          string
	DirectoryProviderID  string
	RegistrationStatus   string // pending, registered, failed
	FirstRegisteredAt    time.Time
}

// Config configures startup identity and heartbeat tuning.
type Config struct {
	OrganizationNPI   string
	OrganizationName  string
	OrganizationType  string
	DirectoryURL      string
	NeuronEndpointURL string

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration

	HealthArtifactPath string
}

// DefaultConfig fills in the spec's documented defaults for everything but
// the organization/endpoint identity, which callers must supply.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  60 * time.Second,
		BackoffBase:        time.Second,
		BackoffCeiling:     30 * time.Second,
		HealthArtifactPath: "neuron-health.json",
	}
}

// HealthArtifact is the JSON document written to HealthArtifactPath after
// every heartbeat attempt, for external monitoring to read without talking
// to the broker's REST API.
type HealthArtifact struct {
	Status          Status    `json:"status"`
	Healthy         bool      `json:"healthy"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LastError       string    `json:"last_error,omitempty"`
}

// backoff implements full-jitter exponential backoff: delay =
// random(0, min(base*2^attempt, ceiling)), attempt incrementing
// monotonically until Reset is called after a success.
type backoff struct {
	base    time.Duration
	ceiling time.Duration
	attempt uint
}

func (b *backoff) next() time.Duration {
	shifted := b.base << b.attempt
	if shifted <= 0 || shifted > b.ceiling { // overflow or past ceiling
		shifted = b.ceiling
	}
	if b.attempt < 62 {
		b.attempt++
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(shifted)+1))
	if err != nil {
		return shifted
	}
	return time.Duration(n.Int64())
}

func (b *backoff) reset() { b.attempt = 0 }

// Service is the C10 registration service.
type Service struct {
	cfg       Config
	dir       *directory.Client
	db        *storage.DB
	audit     *audit.Log
	clock     clock.Clock
	log       *slog.Logger

	mu      sync.RWMutex
	state   State
	backoff backoff

	cronSched *cron.Cron
	cronID    cron.EntryID
}

// New constructs a Service. Call Start to load persisted state, perform
// initial registration if needed, and begin the heartbeat loop.
func New(cfg Config, dir *directory.Client, db *storage.DB, al *audit.Log, clk clock.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:   cfg,
		dir:   dir,
		db:    db,
		audit: al,
		clock: clk,
		log:   log.With("component", "registration-service"),
		backoff: backoff{
			base:    cfg.BackoffBase,
			ceiling: cfg.BackoffCeiling,
		},
	}
}

// Start loads persisted state, registers with the directory if necessary,
// re-registers persisted providers best-effort on restart, and starts the
// heartbeat loop.
func (s *Service) Start(ctx context.Context) error {
	state, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("registration: load state: %w", err)
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	if state.Status == StatusRegistered && state.RegistrationID != "" {
		s.dir.SetToken(state.BearerToken)
		s.reregisterProvidersBestEffort(ctx)
	} else {
		s.registerNeuron(ctx)
	}

	s.cronSched = cron.New()
	id, err := s.cronSched.AddFunc(fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval), func() {
		s.beat(context.Background())
	})
	if err != nil {
		return fmt.Errorf("registration: schedule heartbeat: %w", err)
	}
	s.cronID = id
	s.cronSched.Start()
	return nil
}

// Stop halts the heartbeat timer. The broker does not deregister from the
// directory on shutdown — peers still hold relationships against it.
func (s *Service) Stop() {
	if s.cronSched != nil {
		ctx := s.cronSched.Stop()
		<-ctx.Done()
	}
}

// Status returns a copy of the current registration state for the REST
// status surface. The bearer token is never included.
func (s *Service) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	st.BearerToken = ""
	return st
}

// ResolveProviderEndpoint satisfies protocol.EndpointResolver by asking the
// directory for the provider's current neuron endpoint.
func (s *Service) ResolveProviderEndpoint(ctx context.Context, providerNPI string) (string, error) {
	rec, err := s.dir.LookupByNPI(ctx, providerNPI)
	if err != nil {
		return "", err
	}
	return rec.NeuronEndpointURL, nil
}

// registerNeuron performs the initial (or re-attempted) directory
// registration. A failure here is non-fatal: the broker persists
// unregistered/degraded state, writes a degraded health artifact, and keeps
// operating — established relationships remain routable without the
// directory.
func (s *Service) registerNeuron(ctx context.Context) {
	result, err := s.dir.RegisterNeuron(ctx, directory.RegisterNeuronRequest{
		OrganizationNPI:   s.cfg.OrganizationNPI,
		OrganizationName:  s.cfg.OrganizationName,
		OrganizationType:  s.cfg.OrganizationType,
		NeuronEndpointURL: s.cfg.NeuronEndpointURL,
	})
	if err != nil {
		s.log.Warn("initial directory registration failed; continuing in degraded mode", "error", err)
		s.mu.Lock()
		s.state.Status = StatusUnregistered
		s.mu.Unlock()
		_ = s.persist(ctx)
		s.writeHealth(false, err)
		return
	}

	// TODO: bearer token rotation is unscheduled; stored once and reused
	// for the lifetime of the registration.
	s.dir.SetToken(result.BearerToken)
	now := s.clock.Now().UTC()

	s.mu.Lock()
	s.state.RegistrationID = result.RegistrationID
	s.state.BearerToken = result.BearerToken
	s.state.Status = StatusRegistered
	s.state.FirstRegisteredAt = now
	s.state.LastDirectoryResponseAt = now
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.log.Error("persist registration state failed", "error", err)
	}

	if _, err := s.audit.Append(audit.CategoryRegistration, "registration.registered", s.cfg.OrganizationNPI, map[string]any{
		"registration_id":  result.RegistrationID,
		"organization_npi": s.cfg.OrganizationNPI,
	}); err != nil {
		s.log.Error("audit append failed", "action", "registration.registered", "error", err)
	}

	s.writeHealth(true, nil)
}

// beat runs one heartbeat tick: update_endpoint on success resets the
// backoff and marks health healthy; on failure it marks health degraded and
// schedules the next retry via full-jitter backoff, which the cron entry
// does not itself drive — beat is invoked on the fixed cron cadence, and a
// failed beat additionally fires its own delayed retry outside that cadence.
func (s *Service) beat(ctx context.Context) {
	s.mu.RLock()
	status := s.state.Status
	registrationID := s.state.RegistrationID
	s.mu.RUnlock()

	if status != StatusRegistered && status != StatusDegraded {
		return
	}

	err := s.dir.UpdateEndpoint(ctx, registrationID, directory.UpdateEndpointRequest{
		NeuronEndpointURL: s.cfg.NeuronEndpointURL,
	})
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("failure").Inc()
		s.log.Warn("heartbeat failed", "error", err)
		s.mu.Lock()
		s.state.Status = StatusDegraded
		s.mu.Unlock()
		_ = s.persist(ctx)
		s.writeHealth(false, err)

		delay := s.backoff.next()
		time.AfterFunc(delay, func() { s.retryBeat(context.Background()) })
		return
	}

	metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
	now := s.clock.Now().UTC()
	s.mu.Lock()
	s.state.Status = StatusRegistered
	s.state.LastHeartbeatAt = now
	s.state.LastDirectoryResponseAt = now
	s.mu.Unlock()
	s.backoff.reset()
	_ = s.persist(ctx)
	s.writeHealth(true, nil)
}

// retryBeat is a single off-cadence retry fired by the backoff timer; it
// reuses beat's logic directly (another failure schedules its own retry,
// with attempt already incremented).
func (s *Service) retryBeat(ctx context.Context) { s.beat(ctx) }

// AddProvider registers providerNPI with the directory and persists it
// locally on success.
func (s *Service) AddProvider(ctx context.Context, providerNPI string) error {
	if err := npi.Validate(providerNPI); err != nil {
		return fmt.Errorf("registration: add provider: %w", err)
	}

	s.mu.RLock()
	registrationID := s.state.RegistrationID
	s.mu.RUnlock()

	if err := s.dir.RegisterProvider(ctx, registrationID, providerNPI); err != nil {
		return fmt.Errorf("registration: register provider %s: %w", providerNPI, err)
	}

	now := s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_registrations (provider_npi, registration_status, first_registered_at)
		VALUES (?, 'registered', ?)
		ON CONFLICT(provider_npi) DO UPDATE SET registration_status = 'registered'`,
		providerNPI, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("registration: persist provider %s: %w", providerNPI, err)
	}

	if _, err := s.audit.Append(audit.CategorySync, "sync.provider_registered", s.cfg.OrganizationNPI, map[string]any{
		"provider_npi": providerNPI,
	}); err != nil {
		s.log.Error("audit append failed", "action", "sync.provider_registered", "error", err)
	}
	return nil
}

// RemoveProvider deletes providerNPI from the directory and the local store.
func (s *Service) RemoveProvider(ctx context.Context, providerNPI string) error {
	if err := npi.Validate(providerNPI); err != nil {
		return fmt.Errorf("registration: remove provider: %w", err)
	}

	s.mu.RLock()
	registrationID := s.state.RegistrationID
	s.mu.RUnlock()

	if err := s.dir.RemoveProvider(ctx, registrationID, providerNPI); err != nil {
		return fmt.Errorf("registration: remove provider %s: %w", providerNPI, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_registrations WHERE provider_npi = ?`, providerNPI); err != nil {
		return fmt.Errorf("registration: delete provider %s: %w", providerNPI, err)
	}

	if _, err := s.audit.Append(audit.CategorySync, "sync.provider_removed", s.cfg.OrganizationNPI, map[string]any{
		"provider_npi": providerNPI,
	}); err != nil {
		s.log.Error("audit append failed", "action", "sync.provider_removed", "error", err)
	}
	return nil
}

// reregisterProvidersBestEffort re-registers every persisted provider with
// the directory on restart. Failures are logged, not fatal — restart must
// not block on directory availability.
func (s *Service) reregisterProvidersBestEffort(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_npi FROM provider_registrations`)
	if err != nil {
		s.log.Error("load persisted providers failed", "error", err)
		return
	}
	defer rows.Close()

	var npis []string
	for rows.Next() {
		var npi string
		if err := rows.Scan(&npi); err != nil {
			s.log.Error("scan persisted provider failed", "error", err)
			continue
		}
		npis = append(npis, npi)
	}

	for _, npi := range npis {
		if err := s.dir.RegisterProvider(ctx, s.state.RegistrationID, npi); err != nil {
			s.log.Warn("best-effort provider re-registration failed", "provider_npi", npi, "error", err)
		}
	}
}

func (s *Service) load(ctx context.Context) (State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT organization_npi, organization_name, organization_type, directory_url,
		       neuron_endpoint_url, registration_id, bearer_token, status,
		       first_registered_at, last_heartbeat_at, last_directory_response_at
		FROM neuron_registration WHERE singleton = 1`)

	var st State
	var registrationID, bearerToken, firstReg, lastHB, lastResp sql.NullString
	err := row.Scan(&st.OrganizationNPI, &st.OrganizationName, &st.OrganizationType, &st.DirectoryURL,
		&st.NeuronEndpointURL, &registrationID, &bearerToken, &st.Status,
		&firstReg, &lastHB, &lastResp)
	if errors.Is(err, sql.ErrNoRows) {
		return State{
			OrganizationNPI:   s.cfg.OrganizationNPI,
			OrganizationName:  s.cfg.OrganizationName,
			OrganizationType:  s.cfg.OrganizationType,
			DirectoryURL:      s.cfg.DirectoryURL,
			NeuronEndpointURL: s.cfg.NeuronEndpointURL,
			Status:            StatusUnregistered,
		}, nil
	}
	if err != nil {
		return State{}, err
	}

	st.RegistrationID = registrationID.String
	st.BearerToken = bearerToken.String
	st.FirstRegisteredAt = parseNullTime(firstReg)
	st.LastHeartbeatAt = parseNullTime(lastHB)
	st.LastDirectoryResponseAt = parseNullTime(lastResp)
	return st, nil
}

func (s *Service) persist(ctx context.Context) error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO neuron_registration
			(singleton, organization_npi, organization_name, organization_type, directory_url,
			 neuron_endpoint_url, registration_id, bearer_token, status,
			 first_registered_at, last_heartbeat_at, last_directory_response_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			organization_npi = excluded.organization_npi,
			organization_name = excluded.organization_name,
			organization_type = excluded.organization_type,
			directory_url = excluded.directory_url,
			neuron_endpoint_url = excluded.neuron_endpoint_url,
			registration_id = excluded.registration_id,
			bearer_token = excluded.bearer_token,
			status = excluded.status,
			first_registered_at = excluded.first_registered_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_directory_response_at = excluded.last_directory_response_at`,
		st.OrganizationNPI, st.OrganizationName, st.OrganizationType, st.DirectoryURL,
		st.NeuronEndpointURL, nullableString(st.RegistrationID), nullableString(st.BearerToken), string(st.Status),
		nullableTime(st.FirstRegisteredAt), nullableTime(st.LastHeartbeatAt), nullableTime(st.LastDirectoryResponseAt))
	return err
}

func (s *Service) writeHealth(healthy bool, beatErr error) {
	s.mu.RLock()
	status := s.state.Status
	lastHB := s.state.LastHeartbeatAt
	s.mu.RUnlock()

	metrics.RegistrationHealthy.Set(boolToFloat(healthy))

	artifact := HealthArtifact{Status: status, Healthy: healthy, LastHeartbeatAt: lastHB}
	if beatErr != nil {
		artifact.LastError = beatErr.Error()
	}
	b, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		s.log.Error("marshal health artifact failed", "error", err)
		return
	}
	if s.cfg.HealthArtifactPath == "" {
		return
	}
	if err := os.WriteFile(s.cfg.HealthArtifactPath, b, 0o644); err != nil {
		s.log.Error("write health artifact failed", "path", s.cfg.HealthArtifactPath, "error", err)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
