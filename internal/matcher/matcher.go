package matcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rollcall/internal/identity"
	"rollcall/internal/proximity"
)

var (
	eventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_matcher_events_total",
		Help: "Raw discovery events observed.",
	})
	droppedMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_matcher_dropped_malformed_total",
		Help: "Discovery events dropped for malformed tokens.",
	})
	droppedUnknown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_matcher_dropped_unknown_total",
		Help: "Well-formed tokens dropped because they are not in the allow set.",
	})
	confirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_matcher_confirmed_total",
		Help: "Tokens confirmed exactly once per matcher lifetime.",
	})
)

// Confirmation is emitted at most once per allowed token.
type Confirmation struct {
	Token       string
	ConfirmedAt time.Time
}

// Matcher folds duplicate-prone discovery events into at-most-one
// confirmation per token. Malformed tokens and tokens outside the allow set
// are absorbed: radio noise and unrelated nearby devices are expected, never
// session-fatal.
type Matcher struct {
	mu      sync.Mutex
	allowed map[string]struct{}
	seen    map[string]struct{}
}

// New creates a matcher that confirms only the given tokens.
func New(allowed []string) *Matcher {
	set := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		set[t] = struct{}{}
	}
	return &Matcher{allowed: set, seen: make(map[string]struct{})}
}

// Observe processes one discovery event. It returns a confirmation and true
// exactly once per newly seen allowed token; every duplicate is a no-op.
func (m *Matcher) Observe(ev proximity.DiscoveryEvent) (Confirmation, bool) {
	eventsTotal.Inc()
	if !identity.ValidIdentifier(ev.RawToken) {
		droppedMalformed.Inc()
		log.Printf("matcher: dropped malformed token (%d bytes)", len(ev.RawToken))
		return Confirmation{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allowed[ev.RawToken]; !ok {
		droppedUnknown.Inc()
		return Confirmation{}, false
	}
	if _, ok := m.seen[ev.RawToken]; ok {
		return Confirmation{}, false
	}
	m.seen[ev.RawToken] = struct{}{}
	confirmedTotal.Inc()
	return Confirmation{Token: ev.RawToken, ConfirmedAt: ev.ReceivedAt}, true
}

// Run pumps a scan stream through Observe. The output channel closes when the
// input closes or ctx is cancelled, so teardown of the scan ends delivery.
func (m *Matcher) Run(ctx context.Context, events <-chan proximity.DiscoveryEvent) <-chan Confirmation {
	out := make(chan Confirmation)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if conf, fresh := m.Observe(ev); fresh {
					select {
					case out <- conf:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
