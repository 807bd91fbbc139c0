package backbone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/artcafe/pubsub-gateway/internal/telemetry"
)

// subscription tracks one open subject subscription so it can be
// re-established after a reconnect, per the auto-resubscribe invariant
// (spec.md §8).
type subscription struct {
	pubsub  *redis.PubSub
	pattern bool
	handler Handler
	cancel  context.CancelFunc
}

// RedisBridge implements Bridge over Redis Pub/Sub. The subscribe/ticker
// shape is grounded on the escalation engine's combined
// `rdb.Subscribe(...).Channel()` + ticker select loop
// (pkg/escalation/engine.go); reconnection uses cenkalti/backoff/v5 with a
// fixed interval, per spec.md §4.6's "unlimited attempts, fixed backoff".
type RedisBridge struct {
	rdb               *redis.Client
	logger            *slog.Logger
	reconnectInterval time.Duration

	mu   sync.Mutex
	subs map[string]*subscription

	stateCh chan StateChange
	closed  chan struct{}
	once    sync.Once
}

// NewRedisBridge constructs a bridge over an existing Redis client.
func NewRedisBridge(rdb *redis.Client, reconnectInterval time.Duration, logger *slog.Logger) *RedisBridge {
	return &RedisBridge{
		rdb:               rdb,
		logger:            logger,
		reconnectInterval: reconnectInterval,
		subs:              make(map[string]*subscription),
		stateCh:           make(chan StateChange, 16),
		closed:            make(chan struct{}),
	}
}

// Connect blocks until Redis answers a PING, retrying with fixed backoff.
func (b *RedisBridge) Connect(ctx context.Context) error {
	op := func() (struct{}, error) {
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			telemetry.BackboneReconnectsTotal.Inc()
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(b.reconnectInterval)),
		backoff.WithMaxElapsedTime(0), // no overall limit: retry until ctx is cancelled
	)
	if err != nil {
		return fmt.Errorf("connecting to backbone: %w", err)
	}
	return nil
}

// Run watches connectivity and re-establishes subscriptions after a
// reconnect. It blocks until ctx is cancelled and should be run in its own
// goroutine alongside the gateway's other background workers.
func (b *RedisBridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.reconnectInterval)
	defer ticker.Stop()

	connected := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := b.rdb.Ping(ctx).Err()
			if err != nil {
				if connected {
					connected = false
					b.logger.Warn("backbone connection lost", "error", err)
					b.emitState(StateChange{Connected: false, Err: err})
				}
				continue
			}
			if !connected {
				connected = true
				telemetry.BackboneReconnectsTotal.Inc()
				b.logger.Info("backbone connection restored")
				b.emitState(StateChange{Connected: true})
				b.resubscribeAll(ctx)
			}
		}
	}
}

func (b *RedisBridge) emitState(sc StateChange) {
	select {
	case b.stateCh <- sc:
	default:
		// Slow consumer: drop rather than block the watch loop.
	}
}

func (b *RedisBridge) StateChanges() <-chan StateChange {
	return b.stateCh
}

// Publish delivers opaque bytes to subject. The caller is expected to
// attach a deadline to ctx (spec.md §5 default: 5s).
func (b *RedisBridge) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.rdb.Publish(ctx, subject, data).Err(); err != nil {
		telemetry.BackbonePublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	telemetry.BackbonePublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe opens a subscription for subject and calls handler for every
// delivered message. A trailing ">" wildcard segment (the namespace's
// hierarchical wildcard, spec.md §4.1) is translated to a Redis glob "*"
// and subscribed via PSUBSCRIBE.
func (b *RedisBridge) Subscribe(ctx context.Context, subject string, handler Handler) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[subject]; exists {
		return Handle{}, fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := b.openSubscription(ctx, subject, handler)
	if err != nil {
		return Handle{}, err
	}
	b.subs[subject] = sub
	return Handle{subject: subject}, nil
}

func (b *RedisBridge) openSubscription(ctx context.Context, subject string, handler Handler) (*subscription, error) {
	pattern := strings.HasSuffix(subject, ">")
	channel := subject
	var pubsub *redis.PubSub
	if pattern {
		channel = strings.TrimSuffix(subject, ">") + "*"
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	deliveryCtx, cancel := context.WithCancel(context.Background())
	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-deliveryCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	return &subscription{pubsub: pubsub, pattern: pattern, handler: handler, cancel: cancel}, nil
}

// Unsubscribe closes the backbone subscription identified by handle. The
// bridge keeps one subscription per subject and does no per-subscriber
// counting, so it closes unconditionally; C7 calls it only once its own
// last local interest in the subject is gone.
func (b *RedisBridge) Unsubscribe(_ context.Context, handle Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[handle.subject]
	if !ok {
		return nil
	}
	sub.cancel()
	err := sub.pubsub.Close()
	delete(b.subs, handle.subject)
	if err != nil {
		return fmt.Errorf("closing subscription to %s: %w", handle.subject, err)
	}
	return nil
}

func (b *RedisBridge) resubscribeAll(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, old := range b.subs {
		old.cancel()
		_ = old.pubsub.Close()

		sub, err := b.openSubscription(ctx, subject, old.handler)
		if err != nil {
			b.logger.Error("resubscribing after reconnect", "subject", subject, "error", err)
			continue
		}
		b.subs[subject] = sub
	}
}

// Close tears down every open subscription and closes the state channel.
func (b *RedisBridge) Close() error {
	var err error
	b.once.Do(func() {
		b.mu.Lock()
		for subject, sub := range b.subs {
			sub.cancel()
			if cerr := sub.pubsub.Close(); cerr != nil && err == nil {
				err = cerr
			}
			delete(b.subs, subject)
		}
		b.mu.Unlock()
		close(b.closed)
		close(b.stateCh)
	})
	return err
}
