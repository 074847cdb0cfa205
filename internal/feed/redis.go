package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// Redis carries the change feed over Redis Pub/Sub. Each job event is
// published on its category channel and on the per-job channel, so both
// subscription shapes see it.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedis(addr, password string, log *slog.Logger) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, log: log}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, categoryChannel(ev.Job.Category), b).Err(); err != nil {
		return err
	}
	return r.client.Publish(ctx, jobChannel(ev.Job.ID), b).Err()
}

func (r *Redis) SubscribeCategory(ctx context.Context, cat models.ServiceCategory) (Subscription, error) {
	return r.subscribe(ctx, categoryChannel(cat))
}

func (r *Redis) SubscribeJob(ctx context.Context, jobID string) (Subscription, error) {
	return r.subscribe(ctx, jobChannel(jobID))
}

func (r *Redis) subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so a dead broker fails here, not later.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan Event, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				if r.log != nil {
					r.log.Warn("feed: dropping undecodable event", "channel", channel, "error", err)
				}
				continue
			}
			sub.out <- ev
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Event
}

func (s *redisSubscription) Events() <-chan Event { return s.out }
func (s *redisSubscription) Close() error         { return s.ps.Close() }
