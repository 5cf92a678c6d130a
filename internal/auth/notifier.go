package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries session change events.
const DefaultChannel = "ledgerdesk:auth:events"

// Publisher broadcasts session changes.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers session changes until the returned unsubscribe runs.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(Event)) (unsubscribe func(), err error)
}

// Notifier fans session events out over Redis pub/sub so every server
// instance observes sign-ins and sign-outs.
type Notifier struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewNotifier constructs a Notifier on channel; empty means DefaultChannel.
func NewNotifier(client redis.UniversalClient, channel string, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// Publish encodes and sends evt.
func (n *Notifier) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("auth: publish %s: %w", evt.Kind, err)
	}
	return nil
}

// Subscribe registers fn and returns once the subscription is confirmed.
// fn runs on a single goroutine, in publish order. Calling the returned
// function unsubscribes and waits for that goroutine to exit; it is safe to
// call more than once.
func (n *Notifier) Subscribe(ctx context.Context, fn func(Event)) (func(), error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("auth: subscribe %s: %w", n.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				n.logger.Warn("auth: drop malformed session event", slog.Any("error", err))
				continue
			}
			fn(evt)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

var (
	_ Publisher  = (*Notifier)(nil)
	_ Subscriber = (*Notifier)(nil)
)
