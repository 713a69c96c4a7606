package proximity

import (
	"context"
	"sync"
	"time"
)

// Bus is an in-process radio medium for tests and single-node dev. Every
// transport attached to the same bus hears every broadcast, subject to its
// scan filter. Delivery is lossy when a scanner's buffer is full, like the
// real radio.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	scanners map[int]*busScanner
}

type busScanner struct {
	filter map[string]struct{}
	ch     chan DiscoveryEvent
}

// NewBus creates an empty medium.
func NewBus() *Bus {
	return &Bus{scanners: make(map[int]*busScanner)}
}

func (b *Bus) broadcast(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, s := range b.scanners {
		if s.filter != nil {
			if _, ok := s.filter[token]; !ok {
				continue
			}
		}
		select {
		case s.ch <- DiscoveryEvent{RawToken: token, ReceivedAt: now}:
		default:
		}
	}
}

func (b *Bus) attachScanner(filter map[string]struct{}) (int, chan DiscoveryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan DiscoveryEvent, 64)
	b.scanners[b.nextID] = &busScanner{filter: filter, ch: ch}
	return b.nextID, ch
}

// detachScanner closes the scanner channel under the bus lock, so no
// broadcast can race with the close.
func (b *Bus) detachScanner(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.scanners[id]; ok {
		delete(b.scanners, id)
		close(s.ch)
	}
}

// Attach creates a transport endpoint on the bus. interval controls how often
// an advertised token is rebroadcast.
func (b *Bus) Attach(interval time.Duration) *MemoryTransport {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &MemoryTransport{bus: b, interval: interval}
}

// MemoryTransport implements Transport over a Bus.
type MemoryTransport struct {
	bus      *Bus
	interval time.Duration

	// Test knobs; set before use.
	DenyCapability bool
	RadioOff       bool

	mu      sync.Mutex
	advStop chan struct{}
	scanID  int
	cleaned bool
}

// RequestCapability reports whether the radio can be used at all.
func (t *MemoryTransport) RequestCapability(_ context.Context) error {
	if t.DenyCapability {
		return ErrPermissionDenied
	}
	if t.RadioOff {
		return ErrUnavailable
	}
	return nil
}

// Advertise rebroadcasts token every interval until StopAdvertise or Cleanup.
// A second Advertise replaces the running broadcast.
func (t *MemoryTransport) Advertise(ctx context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleaned || t.RadioOff {
		return ErrUnavailable
	}
	if t.advStop != nil {
		close(t.advStop)
	}
	stop := make(chan struct{})
	t.advStop = stop

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		t.bus.broadcast(token)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.bus.broadcast(token)
			}
		}
	}()
	return nil
}

// Scan registers a listener for the given tokens. A second Scan replaces the
// running one.
func (t *MemoryTransport) Scan(_ context.Context, tokens []string) (<-chan DiscoveryEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleaned || t.RadioOff {
		return nil, ErrUnavailable
	}
	if t.scanID != 0 {
		t.bus.detachScanner(t.scanID)
	}
	id, ch := t.bus.attachScanner(filterSet(tokens))
	t.scanID = id
	return ch, nil
}

// StopAdvertise halts the periodic broadcast. Safe to call repeatedly.
func (t *MemoryTransport) StopAdvertise() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advStop != nil {
		close(t.advStop)
		t.advStop = nil
	}
}

// StopScan detaches the scanner and closes its channel. Safe to call repeatedly.
func (t *MemoryTransport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopScanLocked()
}

func (t *MemoryTransport) stopScanLocked() {
	if t.scanID != 0 {
		t.bus.detachScanner(t.scanID)
		t.scanID = 0
	}
}

// Cleanup releases the radio. No event is delivered after Cleanup returns.
func (t *MemoryTransport) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advStop != nil {
		close(t.advStop)
		t.advStop = nil
	}
	t.stopScanLocked()
	t.cleaned = true
}
