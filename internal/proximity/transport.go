package proximity

import (
	"context"
	"errors"
	"time"
)

// DiscoveryEvent is one raw sighting of a nearby token. Events are ephemeral:
// consumed immediately by the matcher and discarded.
type DiscoveryEvent struct {
	RawToken   string
	ReceivedAt time.Time
}

// Capability errors surfaced at session start.
var (
	// ErrPermissionDenied means the platform refused the radio capability.
	ErrPermissionDenied = errors.New("proximity capability denied")
	// ErrUnavailable means the radio hardware is off or unreachable.
	ErrUnavailable = errors.New("proximity transport unavailable")
)

// Transport is the short-range advertise/scan capability.
//
// Advertisement is periodic: the same token is rebroadcast many times over a
// session's lifetime, and scan results arrive asynchronously and may contain
// duplicates. Stop and Cleanup calls are idempotent; once Cleanup returns, no
// further events are delivered on any scan channel.
type Transport interface {
	RequestCapability(ctx context.Context) error
	Advertise(ctx context.Context, token string) error
	// Scan watches for the given tokens; an empty filter watches everything.
	// The returned channel is closed by StopScan or Cleanup.
	Scan(ctx context.Context, tokens []string) (<-chan DiscoveryEvent, error)
	StopAdvertise()
	StopScan()
	Cleanup()
}

func filterSet(tokens []string) map[string]struct{} {
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
