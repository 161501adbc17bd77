package server

import (
	"sync"
	"time"

	"github.com/vxchat/vxnode/pkg/protocol"
)

// typingExpiry is how long a typing indicator stays valid, in seconds.
const typingExpiry = 2

// IndicatorTracker remembers recently broadcast indicators so a freshly
// authenticated client can be seeded with the ones still in effect.
type IndicatorTracker struct {
	mu      sync.Mutex
	entries []trackedIndicator
}

type trackedIndicator struct {
	ctx       protocol.IndicatorContext
	expiresAt time.Time
}

func NewIndicatorTracker() *IndicatorTracker {
	return &IndicatorTracker{}
}

// Add records an indicator until its expiry elapses. A newer indicator for
// the same user and channel replaces the old one.
func (t *IndicatorTracker) Add(ctx protocol.IndicatorContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(time.Now())

	for i, e := range t.entries {
		if e.ctx.Indicator.Params == ctx.Indicator.Params && e.ctx.Indicator.Type == ctx.Indicator.Type {
			t.entries[i] = trackedIndicator{ctx: ctx, expiresAt: time.Now().Add(time.Duration(ctx.Expires) * time.Second)}
			return
		}
	}
	t.entries = append(t.entries, trackedIndicator{
		ctx:       ctx,
		expiresAt: time.Now().Add(time.Duration(ctx.Expires) * time.Second),
	})
}

// Active returns the indicators that have not expired yet.
func (t *IndicatorTracker) Active() []protocol.IndicatorContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(time.Now())

	out := make([]protocol.IndicatorContext, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.ctx
	}
	return out
}

func (t *IndicatorTracker) pruneLocked(now time.Time) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}
