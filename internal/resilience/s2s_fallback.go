package resilience

import (
	"context"

	"github.com/sahayhq/sahay/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] by connecting to the first healthy
// backend of a [FallbackGroup]. Only Connect fails over; a channel that drops
// after it opened is the session's problem.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after the earlier ones.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a channel on the first backend that accepts the setup.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	return ExecuteWithResult(f.group, func(p s2s.Provider) (s2s.Channel, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities reports the primary backend's capabilities. Fallbacks are
// expected to share its audio rates.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	f.group.mu.RLock()
	primary := f.group.entries[0].value
	f.group.mu.RUnlock()
	return primary.Capabilities()
}

// Backends returns the backend names in failover order.
func (f *S2SFallback) Backends() []string { return f.group.Names() }
