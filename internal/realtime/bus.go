package realtime

import (
	"context"
	"encoding/json"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/pkg/constant"
	"github.com/redis/go-redis/v9"
)

// Bus bridges change events across instances over Redis pub/sub. Every
// instance publishes to one shared channel and replays whatever it receives —
// its own events included — into the local hub, so there is a single dispatch
// path whether the change happened here or on a peer.
type Bus struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
}

// NewBus creates a bus over the shared event channel
func NewBus(rdb *redis.Client, hub *Hub) *Bus {
	return &Bus{
		rdb:     rdb,
		hub:     hub,
		channel: constant.RedisKeyEvents(),
	}
}

// Run subscribes to the event channel and replays received events into the
// local hub until ctx is cancelled
func (b *Bus) Run(ctx context.Context) {
	if b.rdb == nil {
		return
	}

	go func() {
		pubsub := b.rdb.Subscribe(ctx, b.channel)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.CtxWarn(ctx, "malformed change event dropped: %v", err)
					continue
				}
				b.hub.Publish(ctx, ev)
			}
		}
	}()
}

// Publish sends an event to all instances. Best effort: when Redis is
// unavailable the event is delivered locally so this instance's viewers still
// refresh, and the failure is logged.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b.rdb == nil {
		b.hub.Publish(ctx, ev)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.CtxError(ctx, "marshal change event failed: %v", err)
		return
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		log.CtxWarn(ctx, "publish change event failed, delivering locally: conversation_id=%s, error=%v", ev.ConversationId, err)
		b.hub.Publish(ctx, ev)
	}
}
