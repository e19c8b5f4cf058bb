// ABOUTME: Test doubles for the authn collaborators: a settable clock and recording session issuer
// ABOUTME: Shared by factor, ceremony and orchestrator tests

package authntest

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-auth/internal/authn"
)

// Epoch is a fixed, step-aligned starting time for tests.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced authn.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Issuer records session hand-offs.
type Issuer struct {
	mu     sync.Mutex
	Issued []string
	// Err, when set, is returned from Issue without recording.
	Err error
}

// Issue records identity.
func (i *Issuer) Issue(ctx context.Context, identity string, decision authn.Decision) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return i.Err
	}
	i.Issued = append(i.Issued, identity)
	return nil
}

// Count returns how many sessions were issued.
func (i *Issuer) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.Issued)
}

var _ authn.Clock = (*Clock)(nil)
var _ authn.SessionIssuer = (*Issuer)(nil)
