package challenge

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"
)

// fakeClock is a minimal manually-advanced clock.Clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func TestIssueConsume_RoundTrip(t *testing.T) {
	r := New(newFakeClock())
	pub, _, _ := ed25519.GenerateKey(nil)

	nonce, err := r.Issue("patient-1", "1234567893", pub)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	pending, err := r.Consume(nonce)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if pending.PatientAgentID != "patient-1" || pending.ProviderNPI != "1234567893" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestConsume_SingleUse(t *testing.T) {
	r := New(newFakeClock())
	pub, _, _ := ed25519.GenerateKey(nil)
	nonce, err := r.Issue("patient-1", "1234567893", pub)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := r.Consume(nonce); err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if _, err := r.Consume(nonce); err != ErrNotFound {
		t.Fatalf("second Consume = %v, want ErrNotFound", err)
	}
}

func TestConsume_UnknownNonce(t *testing.T) {
	r := New(newFakeClock())
	if _, err := r.Consume("does-not-exist"); err != ErrNotFound {
		t.Fatalf("Consume = %v, want ErrNotFound", err)
	}
}

func TestConsume_ExpiredNonce(t *testing.T) {
	fc := newFakeClock()
	r := New(fc)
	pub, _, _ := ed25519.GenerateKey(nil)
	nonce, err := r.Issue("patient-1", "1234567893", pub)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fc.Advance(TTL + time.Second)
	if _, err := r.Consume(nonce); err != ErrExpired {
		t.Fatalf("Consume = %v, want ErrExpired", err)
	}
}

func TestIssue_PurgesExpiredBeforeCapacityCheck(t *testing.T) {
	fc := newFakeClock()
	r := New(fc)
	pub, _, _ := ed25519.GenerateKey(nil)

	for i := 0; i < Capacity; i++ {
		if _, err := r.Issue("patient", "1234567893", pub); err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
	}
	if _, err := r.Issue("patient", "1234567893", pub); err != ErrFull {
		t.Fatalf("Issue at capacity = %v, want ErrFull", err)
	}

	fc.Advance(TTL + time.Second)
	if _, err := r.Issue("patient", "1234567893", pub); err != nil {
		t.Fatalf("Issue after expiry should succeed: %v", err)
	}
}
