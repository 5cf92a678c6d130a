package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

func newNotifier(t *testing.T) (*miniredis.Miniredis, *Notifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewNotifier(client, "", nil)
}

func TestNotifierDeliversEvents(t *testing.T) {
	ctx := context.Background()
	_, n := newNotifier(t)

	received := make(chan Event, 2)
	unsubscribe, err := n.Subscribe(ctx, func(evt Event) { received <- evt })
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, n.Publish(ctx, Event{Kind: EventSignedIn, SessionID: "s1", Identity: &shared.Identity{UserID: "u1", Email: "a@b.c"}}))
	require.NoError(t, n.Publish(ctx, Event{Kind: EventSignedOut, SessionID: "s1"}))

	for _, want := range []EventKind{EventSignedIn, EventSignedOut} {
		select {
		case evt := <-received:
			assert.Equal(t, want, evt.Kind)
			assert.Equal(t, "s1", evt.SessionID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestNotifierUnsubscribeReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	mr, n := newNotifier(t)

	unsubscribe, err := n.Subscribe(ctx, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, mr.PubSubNumSub(DefaultChannel)[DefaultChannel])

	unsubscribe()
	unsubscribe()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifierSubscribeFailsWhenRedisDown(t *testing.T) {
	mr, n := newNotifier(t)
	mr.Close()

	_, err := n.Subscribe(context.Background(), func(Event) {})
	assert.Error(t, err)
}
