package queue

import (
	"context"
	"fmt"

	r "github.com/redis/go-redis/v9"
)

// Notifier fans publish events out to other processes sharing the store so
// their poll loops wake immediately instead of waiting for the next tick.
type Notifier interface {
	Notify(ctx context.Context, topic string) error
	// Listen calls wake for every notification until ctx is done.
	Listen(ctx context.Context, wake func()) error
}

// RedisNotifier implements Notifier with Redis pub/sub. Notifications are
// best effort; a lost message only delays a job until the next poll.
type RedisNotifier struct {
	rdb     r.UniversalClient
	channel string
}

func NewRedisNotifier(rdb r.UniversalClient, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "flowgate"
	}
	return &RedisNotifier{rdb: rdb, channel: prefix + ":wakeup"}
}

func (n *RedisNotifier) Channel() string { return n.channel }

func (n *RedisNotifier) Notify(ctx context.Context, topic string) error {
	return n.rdb.Publish(ctx, n.channel, topic).Err()
}

func (n *RedisNotifier) Listen(ctx context.Context, wake func()) error {
	sub := n.rdb.Subscribe(ctx, n.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed before reporting as listening
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			wake()
		}
	}
}
