package livefeed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/domain"
)

// DefaultChannel is the pub/sub channel shared by all API instances.
const DefaultChannel = "taskboard:live-updates"

// RedisRelay publishes events on a Redis channel and replays everything
// received on that channel into the local Hub, so subscribers of every
// instance (the originating one included) see each mutation once.
type RedisRelay struct {
	rc      *redis.Client
	channel string
	hub     *Hub
	logger  *log.Logger

	reconnectDelay time.Duration
}

func NewRedisRelay(rc *redis.Client, channel string, hub *Hub, logger *log.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisRelay{rc: rc, channel: channel, hub: hub, logger: logger, reconnectDelay: time.Second}
}

func (r *RedisRelay) Publish(ctx context.Context, ev domain.Event) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run consumes the channel until ctx is cancelled, resubscribing after the
// connection drops. Events published while unsubscribed are lost, so local
// subscribers are disconnected on every loss and again once the relay is
// back, and their clients refetch on reconnect.
func (r *RedisRelay) Run(ctx context.Context) {
	resumed := false
	for {
		err := r.consume(ctx, resumed)
		if ctx.Err() != nil {
			return
		}
		resumed = true
		r.hub.DropAll()
		r.logger.WithError(err).WithField("channel", r.channel).Error("pubsub connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectDelay):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, resumed bool) error {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer stop()

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if resumed && m.Kind == "subscribe" {
				r.hub.DropAll()
				r.logger.WithField("channel", m.Channel).Warn("pubsub resubscribed, stream clients must refetch")
			}
		case *redis.Message:
			payload := []byte(m.Payload)
			if _, err := domain.ParseEvent(payload); err != nil {
				r.logger.WithError(err).Error("unable to parse live update")
				continue
			}
			r.hub.Broadcast(payload)
		}
	}
}
