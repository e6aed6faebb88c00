package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBus_RoomAndLobbyDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(8)

	r1, err := bus.Subscribe(ctx, "r1")
	require.NoError(t, err)
	r2, err := bus.Subscribe(ctx, "r2")
	require.NoError(t, err)
	lobby, err := bus.Subscribe(ctx, "")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewEvent("r1", KindGame, OpUpdate)))

	ev := receive(t, r1)
	assert.Equal(t, "r1", ev.RoomID)
	assert.Equal(t, KindGame, ev.Kind)
	assert.Equal(t, "r1", receive(t, lobby).RoomID)
	assertEmpty(t, r2)
}

func TestBus_EmptyRoomReachesEveryone(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(8)
	r1, _ := bus.Subscribe(ctx, "r1")
	r2, _ := bus.Subscribe(ctx, "r2")

	require.NoError(t, bus.Publish(ctx, NewEvent("", KindResync, OpUpdate)))
	assert.Equal(t, KindResync, receive(t, r1).Kind)
	assert.Equal(t, KindResync, receive(t, r2).Kind)
}

func TestBus_SlowSubscriberGetsResync(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(2)
	sub, _ := bus.Subscribe(ctx, "r1")

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, NewEvent("r1", KindGame, OpUpdate)))
	}

	// publishing never blocks; the overflow collapses into a resync marker
	var kinds []Kind
	for len(sub.C()) > 0 {
		kinds = append(kinds, (<-sub.C()).Kind)
	}
	require.Len(t, kinds, 2)
	assert.Equal(t, KindResync, kinds[len(kinds)-1])
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(4)
	sub, _ := bus.Subscribe(ctx, "r1")
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)

	// publishing after the subscriber left must not panic
	assert.NoError(t, bus.Publish(ctx, NewEvent("r1", KindRoom, OpDelete)))
}

func TestBus_CloseDropsSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(4)
	sub, _ := bus.Subscribe(ctx, "r1")

	require.NoError(t, bus.Close())
	_, ok := <-sub.C()
	assert.False(t, ok, "subscriber channel must close with the bus")

	_, err := bus.Subscribe(ctx, "r1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, bus.Publish(ctx, NewEvent("r1", KindRoom, OpUpdate)), ErrClosed)
}

func TestPGListener_Forward(t *testing.T) {
	rec := &recordingPublisher{}
	l := &PGListener{target: rec}
	ctx := context.Background()

	l.forward(ctx, &pq.Notification{Channel: "room_changes", Extra: `{"room_id":"r1","kind":"roster","op":"insert"}`})
	l.forward(ctx, nil)
	l.forward(ctx, &pq.Notification{Channel: "room_changes", Extra: `not json`})

	require.Len(t, rec.events, 3)
	assert.Equal(t, "r1", rec.events[0].RoomID)
	assert.Equal(t, KindRoster, rec.events[0].Kind)
	assert.Equal(t, OpInsert, rec.events[0].Op)

	assert.Equal(t, KindResync, rec.events[1].Kind, "reconnect must trigger a full re-read")
	assert.Empty(t, rec.events[1].RoomID)
	assert.Equal(t, KindResync, rec.events[2].Kind)
}

func TestRedisBroadcaster_Channels(t *testing.T) {
	b := NewRedisBroadcaster(nil, "kt:", 8)
	assert.Equal(t, "kt:room:r1", b.channel("r1"))
	assert.Equal(t, "kt:room:*", b.channel("*"))
	assert.Equal(t, "r1", b.roomFromChannel("kt:room:r1"))
}

func TestRedisBroadcaster_SubscriberCount(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	b := NewRedisBroadcaster(client, "kt:", 4)
	defer b.Close()

	closed := 0
	sub := newSubscription("r1", 4, b.track(func() { closed++ }))
	lobby := newSubscription("", 4, b.track(func() { closed++ }))
	assert.Equal(t, 2, b.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 1, b.SubscriberCount())
	lobby.Close()
	assert.Equal(t, 0, b.SubscriberCount())
	assert.Equal(t, 2, closed)

	// a subscription that never got confirmed is not counted
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.Subscribe(ctx, "r1")
	assert.Error(t, err)
	assert.Equal(t, 0, b.SubscriberCount())
}
