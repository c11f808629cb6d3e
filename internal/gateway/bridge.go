package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// brokerEvent is the envelope backend services publish on channel topics.
type brokerEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// eventTable maps broker event types to the DISPATCH event names pushed to
// clients. Unmapped types are dropped, never forwarded raw.
var eventTable = map[string]string{
	"message.created":  EventMessageCreated,
	"message.updated":  EventMessageUpdated,
	"message.deleted":  EventMessageDeleted,
	"message.pinned":   EventMessagePinned,
	"channel.created":  EventChannelCreated,
	"channel.updated":  EventChannelUpdated,
	"channel.deleted":  EventChannelDeleted,
	"presence.updated": EventPresenceUpdated,
	"typing.start":     EventTypingStart,
	"voice.state":      EventVoiceStateUpdate,
	"call.invite":      EventCallInvite,
	"call.accept":      EventCallAccept,
	"call.decline":     EventCallDecline,
	"call.end":         EventCallEnd,
}

// Bridge subscribes to one broker topic per locally watched channel and fans
// incoming events out to that channel's connections. Topic membership follows
// the registry's channel index via EnsureTopic/ReleaseTopic.
type Bridge struct {
	rdb      *redis.Client
	prefix   string
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	topics map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(rdb *redis.Client, prefix string, registry *Registry, metrics *Metrics, log *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		rdb:      rdb,
		prefix:   prefix,
		registry: registry,
		metrics:  metrics,
		log:      log,
		topics:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run consumes the shared pub/sub stream until Close. The subscription set
// starts empty; EnsureTopic grows it as clients subscribe.
func (b *Bridge) Run() {
	b.mu.Lock()
	if b.pubsub == nil {
		b.pubsub = b.rdb.Subscribe(b.ctx)
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(msg.Channel, []byte(msg.Payload))
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

// EnsureTopic subscribes the broker topic for a channel. Called when the
// channel's connection index goes from empty to non-empty.
func (b *Bridge) EnsureTopic(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[channelID]; ok {
		return
	}
	b.topics[channelID] = struct{}{}

	if b.pubsub == nil {
		return
	}
	if err := b.pubsub.Subscribe(b.ctx, b.topic(channelID)); err != nil {
		b.log.Error("Failed to subscribe broker topic", "channelID", channelID, "error", err)
		delete(b.topics, channelID)
	}
}

// ReleaseTopic unsubscribes the broker topic for a channel. Called when the
// channel's connection index becomes empty.
func (b *Bridge) ReleaseTopic(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[channelID]; !ok {
		return
	}
	delete(b.topics, channelID)

	if b.pubsub == nil {
		return
	}
	if err := b.pubsub.Unsubscribe(b.ctx, b.topic(channelID)); err != nil {
		b.log.Error("Failed to unsubscribe broker topic", "channelID", channelID, "error", err)
	}
}

func (b *Bridge) topic(channelID string) string {
	return b.prefix + channelID
}

// dispatch translates one broker payload and broadcasts it to the channel's
// local connections.
func (b *Bridge) dispatch(topic string, payload []byte) {
	channelID := strings.TrimPrefix(topic, b.prefix)

	var ev brokerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Warn("Dropping malformed broker event", "topic", topic, "error", err)
		b.metrics.EventsDropped.Inc()
		return
	}

	event, ok := eventTable[ev.Type]
	if !ok {
		b.log.Warn("Dropping broker event with no mapping", "topic", topic, "type", ev.Type)
		b.metrics.EventsDropped.Inc()
		return
	}

	frame, err := newDispatch(event, ev.Data)
	if err != nil {
		b.log.Error("Failed to marshal dispatch frame", "topic", topic, "error", err)
		return
	}

	for _, c := range b.registry.ChannelConnections(channelID) {
		if err := c.Send(frame); err == nil {
			b.metrics.Broadcasts.Inc()
		}
	}
}

// Close stops the consumer loop and tears the pub/sub connection down.
func (b *Bridge) Close() error {
	b.cancel()

	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	b.wg.Wait()
	return err
}
