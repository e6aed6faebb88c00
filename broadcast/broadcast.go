// broadcast/broadcast.go
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed = errors.New("broadcaster closed")
)

// Kind 变更的记录类型
type Kind string

const (
	KindRoom   Kind = "room"
	KindRoster Kind = "roster"
	KindGame   Kind = "game"
	// KindResync asks subscribers for a full re-read because events may have
	// been lost (slow consumer or reconnected listener).
	KindResync Kind = "resync"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event 只是失效信号，订阅者收到后必须重新读取权威记录。
// Record 仅供参考，永远不作为状态来源。
type Event struct {
	RoomID string          `json:"room_id"`
	Kind   Kind            `json:"kind"`
	Op     Op              `json:"op"`
	Record json.RawMessage `json:"record,omitempty"`
	At     time.Time       `json:"at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(roomID string, kind Kind, op Op) Event {
	return Event{RoomID: roomID, Kind: kind, Op: op, At: time.Now()}
}

// 广播接口
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	// Subscribe delivers events for roomID, or for every room when roomID is "".
	Subscribe(ctx context.Context, roomID string) (*Subscription, error)
}

type Broadcaster interface {
	Publisher
	Subscriber
	Close() error
}

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

// Subscription 单个订阅者的事件队列
type Subscription struct {
	roomID  string
	ch      chan Event
	mutex   sync.Mutex
	closed  bool
	onClose func()
}

func newSubscription(roomID string, size int, onClose func()) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Subscription{
		roomID:  roomID,
		ch:      make(chan Event, size),
		onClose: onClose,
	}
}

func (s *Subscription) RoomID() string {
	return s.roomID
}

// C is closed when the subscription is closed or dropped by its source.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// deliver never blocks. When the queue is full the oldest event is replaced
// by a resync marker so the reader re-reads everything.
func (s *Subscription) deliver(ev Event) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	resync := NewEvent(ev.RoomID, KindResync, OpUpdate)
	select {
	case s.ch <- resync:
	default:
	}
	return false
}

// Close is idempotent.
func (s *Subscription) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mutex.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
}

// Bus 进程内广播器
type Bus struct {
	subs       map[string]map[*Subscription]struct{} // roomID ("" = lobby) -> subscriptions
	bufferSize int
	closed     bool
	mutex      sync.RWMutex
}

func NewBus(bufferSize int) *Bus {
	return &Bus{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

func (b *Bus) Subscribe(_ context.Context, roomID string) (*Subscription, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	var sub *Subscription
	sub = newSubscription(roomID, b.bufferSize, func() { b.remove(sub) })
	if _, ok := b.subs[roomID]; !ok {
		b.subs[roomID] = make(map[*Subscription]struct{})
	}
	b.subs[roomID][sub] = struct{}{}
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if set, ok := b.subs[sub.roomID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.roomID)
		}
	}
}

// Publish fans ev out to the room's subscribers and to lobby subscribers. An
// event with an empty RoomID reaches every subscriber.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	if ev.RoomID == "" {
		for _, set := range b.subs {
			for sub := range set {
				sub.deliver(ev)
			}
		}
		return nil
	}
	for sub := range b.subs[ev.RoomID] {
		sub.deliver(ev)
	}
	for sub := range b.subs[""] {
		sub.deliver(ev)
	}
	return nil
}

// SubscriberCount 当前订阅数量
func (b *Bus) SubscriberCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	count := 0
	for _, set := range b.subs {
		count += len(set)
	}
	return count
}

// Close drops every subscription; their channels are closed.
func (b *Bus) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mutex.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
