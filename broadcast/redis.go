// broadcast/redis.go
package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/go-redis/redis/v8"

	"github.com/wfunc/knighttour/logger"
)

// RedisBroadcaster 基于 Redis Pub/Sub 的跨进程广播器。
// 每个房间一个频道 <prefix>room:<id>，大厅使用模式订阅。
type RedisBroadcaster struct {
	client     *redis.Client
	prefix     string
	bufferSize int
	active     atomic.Int64
}

func NewRedisBroadcaster(client *redis.Client, prefix string, bufferSize int) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:     client,
		prefix:     prefix,
		bufferSize: bufferSize,
	}
}

func (b *RedisBroadcaster) channel(roomID string) string {
	return b.prefix + "room:" + roomID
}

func (b *RedisBroadcaster) roomFromChannel(channel string) string {
	return strings.TrimPrefix(channel, b.prefix+"room:")
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(ev.RoomID), data).Err()
}

// Subscribe 订阅单个房间；roomID 为空时订阅全部房间。
// Redis 断线重连后会重新订阅，此时投递 KindResync。
func (b *RedisBroadcaster) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	var pubsub *redis.PubSub
	if roomID == "" {
		pubsub = b.client.PSubscribe(ctx, b.channel("*"))
	} else {
		pubsub = b.client.Subscribe(ctx, b.channel(roomID))
	}
	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := newSubscription(roomID, b.bufferSize, b.track(func() { pubsub.Close() }))
	go b.pump(pubsub, sub)
	return sub, nil
}

// track counts a live subscription until the returned close func runs.
func (b *RedisBroadcaster) track(closeFn func()) func() {
	b.active.Add(1)
	return func() {
		b.active.Add(-1)
		closeFn()
	}
}

// SubscriberCount 当前本进程持有的 Redis 订阅数量
func (b *RedisBroadcaster) SubscriberCount() int {
	return int(b.active.Load())
}

func (b *RedisBroadcaster) pump(pubsub *redis.PubSub, sub *Subscription) {
	defer sub.Close()

	for msg := range pubsub.ChannelWithSubscriptions(context.Background(), b.bufferSize) {
		switch m := msg.(type) {
		case *redis.Subscription:
			// the first confirmation was consumed by Receive, so any
			// further one follows a reconnect
			if m.Kind == "subscribe" || m.Kind == "psubscribe" {
				sub.deliver(NewEvent(sub.RoomID(), KindResync, OpUpdate))
			}
		case *redis.Message:
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				logger.Log.Warnf("dropping malformed event on %s: %v", m.Channel, err)
				ev = NewEvent(b.roomFromChannel(m.Channel), KindResync, OpUpdate)
			}
			sub.deliver(ev)
		}
	}
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
