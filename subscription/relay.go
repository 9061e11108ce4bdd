package subscription

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/gateway"
)

// envelope is the pub/sub payload shared by every gateway instance.
type envelope struct {
	Group string `json:"group"`
	Event string `json:"event"`
	Data  []byte `json:"data"`
}

// Deliverer hands a frame to local connections. DropAll closes them all
// when the relay may have missed events.
type Deliverer interface {
	Deliver(group string, f gateway.Frame) int
	DropAll() int
}

// Relay fans broadcasts out across gateway instances through a Redis channel.
// Publish only writes to Redis; Run delivers what arrives on the channel to
// the local hub, including this instance's own publishes.
type Relay struct {
	rc      *redis.Client
	channel string
	local   Deliverer
	logger  *log.Logger

	resubscribeDelay time.Duration
}

func NewRelay(rc *redis.Client, channel string, local Deliverer, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{rc: rc, channel: channel, local: local, logger: logger, resubscribeDelay: time.Second}
}

// Publish implements gateway.Broadcaster.
func (r *Relay) Publish(ctx context.Context, group string, ev domain.Event) error {
	data, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(envelope{Group: group, Event: ev.EventName(), Data: data})
	if err != nil {
		return err
	}
	if err := r.rc.Publish(ctx, r.channel, payload).Err(); err != nil {
		return domain.Transport("relay publish", err)
	}
	return nil
}

// Run listens on the relay channel until ctx is done, resubscribing when the
// subscription drops. Every subscription after the first one means events may
// have been published while nobody listened, so local connections are dropped
// and their clients resync.
func (r *Relay) Run(ctx context.Context) {
	subscribed := false
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.ChannelWithSubscriptions()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind != "subscribe" {
						continue
					}
					if subscribed {
						n := r.local.DropAll()
						r.logger.WithFields(log.Fields{"channel": r.channel, "dropped": n}).Warn("resubscribed; dropped local connections")
					}
					subscribed = true
				case *redis.Message:
					r.handle(m.Payload)
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.WithField("channel", r.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.resubscribeDelay):
		}
	}
}

func (r *Relay) handle(payload string) {
	var env envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		r.logger.WithError(err).Error("unable to parse relayed event")
		return
	}
	if env.Group == "" || env.Event == "" {
		r.logger.WithField("payload", payload).Warn("relayed event without group or name")
		return
	}
	n := r.local.Deliver(env.Group, gateway.Frame{Event: env.Event, Data: env.Data})
	r.logger.WithFields(log.Fields{"group": env.Group, "event": env.Event, "delivered": n}).Debug("relayed event delivered")
}
