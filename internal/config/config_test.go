package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"NEURON_ORGANIZATION_NPI", "NEURON_HEARTBEAT_INTERVAL", "NEURON_LOG_JSON",
		"NEURON_DB_PATH", "NEURON_LISTEN_ADDR", "NEURON_REST_ENABLED",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DBPath != "/data/neuron.db" {
		t.Errorf("DBPath = %q, want /data/neuron.db", cfg.DBPath)
	}
	if cfg.ListenAddr != ":8443" {
		t.Errorf("ListenAddr = %q, want :8443", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 60*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 60s", cfg.HeartbeatInterval)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.MaxConcurrentHandshakes != 10 {
		t.Errorf("MaxConcurrentHandshakes = %d, want 10", cfg.MaxConcurrentHandshakes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NEURON_HEARTBEAT_INTERVAL", "1h")
	t.Setenv("NEURON_LOG_JSON", "false")
	t.Setenv("NEURON_ORGANIZATION_NPI", "1234567893")

	cfg := Load()
	if cfg.HeartbeatInterval != time.Hour {
		t.Errorf("HeartbeatInterval = %s, want 1h", cfg.HeartbeatInterval)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
	if cfg.OrganizationNPI != "1234567893" {
		t.Errorf("OrganizationNPI = %q, want 1234567893", cfg.OrganizationNPI)
	}
}

func validConfig() *Config {
	return &Config{
		OrganizationNPI:         "1234567893",
		MaxConcurrentHandshakes: 10,
		QueueTimeoutMS:          30_000,
		HeartbeatInterval:       60 * time.Second,
		RESTEnabled:             true,
		OperatorJWTSecret:       "s3cret",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"missing organization npi", func(c *Config) { c.OrganizationNPI = "" }, true},
		{"malformed organization npi", func(c *Config) { c.OrganizationNPI = "not-an-npi" }, true},
		{"bad check digit", func(c *Config) { c.OrganizationNPI = "1234567890" }, true},
		{"zero max concurrent handshakes", func(c *Config) { c.MaxConcurrentHandshakes = 0 }, true},
		{"zero queue timeout", func(c *Config) { c.QueueTimeoutMS = 0 }, true},
		{"zero heartbeat interval", func(c *Config) { c.HeartbeatInterval = 0 }, true},
		{"rest enabled without jwt secret", func(c *Config) { c.OperatorJWTSecret = "" }, true},
		{"rest disabled without jwt secret is fine", func(c *Config) {
			c.RESTEnabled = false
			c.OperatorJWTSecret = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "NEURON_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("NEURON_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "NEURON_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "NEURON_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "NEURON_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
