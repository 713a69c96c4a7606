package proximity

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRadio bridges the advertise/scan contract over a redis pub/sub channel.
// It stands in for the real short-range radio in dev and staging: broadcasts
// are periodic, every subscriber on the channel hears them, and duplicates are
// the norm.
type RedisRadio struct {
	client   *redis.Client
	channel  string
	interval time.Duration

	mu       sync.Mutex
	advStop  chan struct{}
	sub      *redis.PubSub
	scanDone chan struct{}
	cleaned  bool
}

// NewRedisRadio creates a transport broadcasting on the given channel.
func NewRedisRadio(client *redis.Client, channel string, interval time.Duration) *RedisRadio {
	if channel == "" {
		channel = "rollcall:radio"
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RedisRadio{client: client, channel: channel, interval: interval}
}

// RequestCapability verifies the bridge is reachable.
func (t *RedisRadio) RequestCapability(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Advertise publishes token every interval until StopAdvertise or Cleanup.
func (t *RedisRadio) Advertise(ctx context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleaned {
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
		t.publish(token)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.publish(token)
			}
		}
	}()
	return nil
}

func (t *RedisRadio) publish(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = t.client.Publish(ctx, t.channel, token).Err()
}

// Scan subscribes to the radio channel and streams matching tokens. Events
// are dropped, not queued without bound, when the consumer lags.
func (t *RedisRadio) Scan(ctx context.Context, tokens []string) (<-chan DiscoveryEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleaned {
		return nil, ErrUnavailable
	}
	if t.sub != nil {
		t.stopScanLocked()
	}

	sub := t.client.Subscribe(ctx, t.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, ErrUnavailable
	}

	filter := filterSet(tokens)
	out := make(chan DiscoveryEvent, 64)
	done := make(chan struct{})
	t.sub = sub
	t.scanDone = done

	go func() {
		defer close(out)
		defer close(done)
		for msg := range sub.Channel() {
			if filter != nil {
				if _, ok := filter[msg.Payload]; !ok {
					continue
				}
			}
			select {
			case out <- DiscoveryEvent{RawToken: msg.Payload, ReceivedAt: time.Now()}:
			default:
			}
		}
	}()
	return out, nil
}

// StopAdvertise halts the periodic broadcast. Safe to call repeatedly.
func (t *RedisRadio) StopAdvertise() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advStop != nil {
		close(t.advStop)
		t.advStop = nil
	}
}

// StopScan unsubscribes and waits for the pump goroutine, so no event is
// delivered after it returns. Safe to call repeatedly.
func (t *RedisRadio) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopScanLocked()
}

func (t *RedisRadio) stopScanLocked() {
	if t.sub == nil {
		return
	}
	_ = t.sub.Close()
	<-t.scanDone
	t.sub = nil
	t.scanDone = nil
}

// Cleanup releases the radio bridge.
func (t *RedisRadio) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advStop != nil {
		close(t.advStop)
		t.advStop = nil
	}
	t.stopScanLocked()
	t.cleaned = true
}
