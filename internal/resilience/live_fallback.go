package resilience

import (
	"context"

	"github.com/MrWong99/omnimind/pkg/provider/live"
)

// LiveFallback implements [live.Provider] with failover across several
// transports. Only the connection attempt is covered: once a Conn is handed
// out, failures of the running stream belong to the session.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]
}

var _ live.Provider = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// transport.
func NewLiveFallback(primary live.Provider, primaryName string, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transport.
func (f *LiveFallback) AddFallback(name string, p live.Provider) {
	f.group.AddFallback(name, p)
}

// Connect dials the first transport whose breaker admits the call and that
// connects successfully. A cancelled ctx stops the failover immediately.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	return ExecuteWithResult(f.group, func(p live.Provider) (live.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, cfg)
	})
}

// Available reports whether any transport would currently be tried.
func (f *LiveFallback) Available() bool { return f.group.Available() }

// Breakers returns the breaker state of every transport keyed by name.
func (f *LiveFallback) Breakers() map[string]State { return f.group.Breakers() }

// Names returns the transport names in failover order.
func (f *LiveFallback) Names() []string { return f.group.Names() }
