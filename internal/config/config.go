// Package config loads the broker's configuration from environment
// variables, following the same envStr/envBool/envDuration idiom the
// teacher repo uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/careagent/neuron/internal/npi"
)

// Config holds all neuron broker configuration.
type Config struct {
	// Identity
	OrganizationNPI  string
	OrganizationName string
	OrganizationType string

	// Storage and audit
	DBPath       string
	AuditPath    string
	SnapshotPath string

	// Logging
	LogJSON bool

	// Protocol server (C8)
	ListenAddr              string
	HandshakePath           string
	MaxConcurrentHandshakes int
	QueueTimeoutMS          int
	AuthTimeoutMS           int
	MaxFrameBytes           int64

	// Directory client / registration service (C9/C10)
	DirectoryURL       string
	NeuronEndpointURL  string
	HeartbeatInterval  time.Duration
	BackoffBaseMS      int
	BackoffCeilingMS   int
	HealthArtifactPath string

	// REST surface
	RESTEnabled       bool
	OperatorJWTSecret string

	// IPC admin socket
	IPCSocketPath string

	// mDNS advertisement
	AdvertiseEnabled bool
	AdvertiseService string

	MetricsEnabled bool
}

// Load reads all configuration from environment variables, applying the
// spec's documented defaults where a variable is unset.
func Load() *Config {
	return &Config{
		OrganizationNPI:  envStr("NEURON_ORGANIZATION_NPI", ""),
		OrganizationName: envStr("NEURON_ORGANIZATION_NAME", ""),
		OrganizationType: envStr("NEURON_ORGANIZATION_TYPE", "hospital"),

		DBPath:       envStr("NEURON_DB_PATH", "/data/neuron.db"),
		AuditPath:    envStr("NEURON_AUDIT_PATH", "/data/neuron-audit.ndjson"),
		SnapshotPath: envStr("NEURON_SNAPSHOT_PATH", "/data/neuron-sessions.bolt"),

		LogJSON: envBool("NEURON_LOG_JSON", true),

		ListenAddr:              envStr("NEURON_LISTEN_ADDR", ":8443"),
		HandshakePath:           envStr("NEURON_HANDSHAKE_PATH", "/ws/handshake"),
		MaxConcurrentHandshakes: envInt("NEURON_MAX_CONCURRENT_HANDSHAKES", 10),
		QueueTimeoutMS:          envInt("NEURON_QUEUE_TIMEOUT_MS", 30_000),
		AuthTimeoutMS:           envInt("NEURON_AUTH_TIMEOUT_MS", 30_000),
		MaxFrameBytes:           int64(envInt("NEURON_MAX_FRAME_BYTES", 65536)),

		DirectoryURL:       envStr("NEURON_DIRECTORY_URL", ""),
		NeuronEndpointURL:  envStr("NEURON_ENDPOINT_URL", ""),
		HeartbeatInterval:  envDuration("NEURON_HEARTBEAT_INTERVAL", 60*time.Second),
		BackoffBaseMS:      envInt("NEURON_BACKOFF_BASE_MS", 1000),
		BackoffCeilingMS:   envInt("NEURON_BACKOFF_CEILING_MS", 30_000),
		HealthArtifactPath: envStr("NEURON_HEALTH_ARTIFACT_PATH", "/data/neuron-health.json"),

		RESTEnabled:       envBool("NEURON_REST_ENABLED", true),
		OperatorJWTSecret: envStr("NEURON_OPERATOR_JWT_SECRET", ""),

		IPCSocketPath: envStr("NEURON_IPC_SOCKET_PATH", "/run/neuron/admin.sock"),

		AdvertiseEnabled: envBool("NEURON_ADVERTISE_ENABLED", false),
		AdvertiseService: envStr("NEURON_ADVERTISE_SERVICE", "_neuron._tcp"),

		MetricsEnabled: envBool("NEURON_METRICS", true),
	}
}

// Validate checks configuration for invalid values. Invalid startup
// configuration is fatal — the broker refuses to start rather than run with
// an ambiguous identity or admission policy.
func (c *Config) Validate() error {
	var errs []error
	if c.OrganizationNPI == "" {
		errs = append(errs, errors.New("NEURON_ORGANIZATION_NPI is required"))
	} else if err := npi.Validate(c.OrganizationNPI); err != nil {
		errs = append(errs, fmt.Errorf("NEURON_ORGANIZATION_NPI: %w", err))
	}
	if c.MaxConcurrentHandshakes <= 0 {
		errs = append(errs, fmt.Errorf("NEURON_MAX_CONCURRENT_HANDSHAKES must be > 0, got %d", c.MaxConcurrentHandshakes))
	}
	if c.QueueTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("NEURON_QUEUE_TIMEOUT_MS must be > 0, got %d", c.QueueTimeoutMS))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("NEURON_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.RESTEnabled && c.OperatorJWTSecret == "" {
		errs = append(errs, errors.New("NEURON_OPERATOR_JWT_SECRET is required when NEURON_REST_ENABLED is true"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, redacting
// secrets — matching the teacher's redactPath convention.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"NEURON_ORGANIZATION_NPI":          c.OrganizationNPI,
		"NEURON_ORGANIZATION_NAME":         c.OrganizationName,
		"NEURON_ORGANIZATION_TYPE":         c.OrganizationType,
		"NEURON_DB_PATH":                   c.DBPath,
		"NEURON_AUDIT_PATH":                c.AuditPath,
		"NEURON_SNAPSHOT_PATH":             c.SnapshotPath,
		"NEURON_LOG_JSON":                  fmt.Sprintf("%t", c.LogJSON),
		"NEURON_LISTEN_ADDR":               c.ListenAddr,
		"NEURON_HANDSHAKE_PATH":            c.HandshakePath,
		"NEURON_MAX_CONCURRENT_HANDSHAKES": fmt.Sprintf("%d", c.MaxConcurrentHandshakes),
		"NEURON_QUEUE_TIMEOUT_MS":          fmt.Sprintf("%d", c.QueueTimeoutMS),
		"NEURON_AUTH_TIMEOUT_MS":           fmt.Sprintf("%d", c.AuthTimeoutMS),
		"NEURON_MAX_FRAME_BYTES":           fmt.Sprintf("%d", c.MaxFrameBytes),
		"NEURON_DIRECTORY_URL":             c.DirectoryURL,
		"NEURON_ENDPOINT_URL":              c.NeuronEndpointURL,
		"NEURON_HEARTBEAT_INTERVAL":        c.HeartbeatInterval.String(),
		"NEURON_BACKOFF_BASE_MS":           fmt.Sprintf("%d", c.BackoffBaseMS),
		"NEURON_BACKOFF_CEILING_MS":        fmt.Sprintf("%d", c.BackoffCeilingMS),
		"NEURON_HEALTH_ARTIFACT_PATH":      c.HealthArtifactPath,
		"NEURON_REST_ENABLED":              fmt.Sprintf("%t", c.RESTEnabled),
		"NEURON_OPERATOR_JWT_SECRET":       redactSecret(c.OperatorJWTSecret),
		"NEURON_IPC_SOCKET_PATH":           c.IPCSocketPath,
		"NEURON_ADVERTISE_ENABLED":         fmt.Sprintf("%t", c.AdvertiseEnabled),
		"NEURON_ADVERTISE_SERVICE":         c.AdvertiseService,
		"NEURON_METRICS":                   fmt.Sprintf("%t", c.MetricsEnabled),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func redactSecret(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}
