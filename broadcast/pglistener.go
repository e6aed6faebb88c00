// broadcast/pglistener.go
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/wfunc/knighttour/logger"
)

// PGListener 将 PostgreSQL NOTIFY 转发给 Publisher（通常是 Bus）。
// 数据库触发器保证任何进程的写入都会产生事件。
type PGListener struct {
	listener *pq.Listener
	target   Publisher
}

// notifyPayload is what the row triggers send.
type notifyPayload struct {
	RoomID string `json:"room_id"`
	Kind   Kind   `json:"kind"`
	Op     Op     `json:"op"`
}

func NewPGListener(dsn, channel string, target Publisher) (*PGListener, error) {
	onEvent := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Log.Warnf("postgres listener disconnected: %v", err)
		case pq.ListenerEventReconnected:
			logger.Log.Info("postgres listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Log.Errorf("postgres listener reconnect failed: %v", err)
		}
	}
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, onEvent)
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, err
	}
	return &PGListener{listener: l, target: target}, nil
}

// Run forwards notifications until ctx is done.
func (p *PGListener) Run(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			p.forward(ctx, n)
		case <-ping.C:
			go p.listener.Ping()
		}
	}
}

func (p *PGListener) forward(ctx context.Context, n *pq.Notification) {
	// pq sends nil after re-establishing the connection; anything may have
	// changed while it was down
	if n == nil {
		p.publish(ctx, NewEvent("", KindResync, OpUpdate))
		return
	}
	var payload notifyPayload
	if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
		logger.Log.Warnf("malformed notification on %s: %v", n.Channel, err)
		p.publish(ctx, NewEvent("", KindResync, OpUpdate))
		return
	}
	p.publish(ctx, NewEvent(payload.RoomID, payload.Kind, payload.Op))
}

func (p *PGListener) publish(ctx context.Context, ev Event) {
	if err := p.target.Publish(ctx, ev); err != nil {
		logger.Log.Errorf("forward notification for room %s: %v", ev.RoomID, err)
	}
}

func (p *PGListener) Close() error {
	return p.listener.Close()
}
