package resilience

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// LiveFallback implements [live.Provider] with failover across several live
// backends. Only session setup is covered: once a session is established,
// its failures are reported through its own event stream.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]

	mu     sync.Mutex
	served string
}

var _ live.Provider = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// backend. The primary is registered under primary.Name().
func NewLiveFallback(primary live.Provider, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another backend under p.Name().
func (f *LiveFallback) AddFallback(p live.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name returns the name of the backend that served the most recent Connect,
// or the primary's name before the first success.
func (f *LiveFallback) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served != "" {
		return f.served
	}
	return f.group.entries[0].name
}

// Breaker returns the breaker of the named backend, or nil.
func (f *LiveFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Connect opens a session on the first healthy backend.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	sess, name, err := ExecuteWithResult(ctx, f.group, func(p live.Provider) (live.Session, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	prev := f.served
	f.served = name
	f.mu.Unlock()
	if prev != "" && prev != name {
		slog.Warn("live provider switched", "from", prev, "to", name)
	}
	return sess, nil
}
