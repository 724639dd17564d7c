// Package challenge holds short-lived nonce-to-pending-handshake state: the
// server half of the Ed25519 challenge-response that proves a patient agent
// controls the private key behind the public key in its consent token.
// Modeled as a single component-scoped map (not a process-wide singleton),
// constructed by the caller and handed to the Handshake Engine, which is the
// only component that issues and consumes nonces.
package challenge

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/careagent/neuron/internal/clock"
)

// TTL is how long an issued nonce remains consumable.
const TTL = 30 * time.Second

// Capacity is the hard cap on simultaneously pending challenges (invariant P1).
const Capacity = 1000

// ErrFull is returned by Issue when the registry is at capacity after purging
// expired entries.
var ErrFull = errors.New("challenge: registry at capacity")

// ErrNotFound is returned by Consume for an unknown or already-consumed nonce.
var ErrNotFound = errors.New("challenge: nonce not found")

// ErrExpired is returned by Consume for a nonce whose TTL has elapsed.
var ErrExpired = errors.New("challenge: nonce expired")

// Pending is the context associated with an issued nonce.
type Pending struct {
	PatientAgentID   string
	ProviderNPI      string
	PatientPublicKey ed25519.PublicKey
	ExpiresAt        time.Time
}

// Registry is a TTL'd, capacity-capped, single-use nonce map. All methods
// are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]Pending
}

// New creates an empty Registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{clock: clk, items: make(map[string]Pending)}
}

// Issue purges expired entries, then — if the map has room — generates a
// fresh 32-byte random nonce, stores the pending context, and returns the
// hex-encoded nonce. Returns ErrFull if the registry is at Capacity after
// purging.
func (r *Registry) Issue(patientAgentID, providerNPI string, patientPublicKey ed25519.PublicKey) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()
	if len(r.items) >= Capacity {
		return "", ErrFull
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("challenge: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	r.items[nonce] = Pending{
		PatientAgentID:   patientAgentID,
		ProviderNPI:      providerNPI,
		PatientPublicKey: append(ed25519.PublicKey(nil), patientPublicKey...),
		ExpiresAt:        r.clock.Now().Add(TTL),
	}
	return nonce, nil
}

// Consume deletes and returns the pending context for nonce, whether or not
// it has expired — single-use semantics apply even on an error return.
func (r *Registry) Consume(nonce string) (Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[nonce]
	delete(r.items, nonce)
	if !ok {
		return Pending{}, ErrNotFound
	}
	if r.clock.Now().After(p.ExpiresAt) {
		return Pending{}, ErrExpired
	}
	return p, nil
}

// purgeLocked removes expired entries. Caller must hold mu.
func (r *Registry) purgeLocked() {
	now := r.clock.Now()
	for nonce, p := range r.items {
		if now.After(p.ExpiresAt) {
			delete(r.items, nonce)
		}
	}
}

// Len reports the current number of pending entries, for metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
