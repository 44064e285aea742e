package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes idle consumers when a job may have become eligible.
type Notifier interface {
	Notify(ctx context.Context) error
	// Ready returns a channel closed by the next Notify.
	Ready() <-chan struct{}
	Close() error
}

// LocalNotifier is an in-process broadcast: every Notify closes the current
// channel and installs a fresh one.
type LocalNotifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{})}
}

func (n *LocalNotifier) Notify(ctx context.Context) error {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
	return nil
}

func (n *LocalNotifier) Ready() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *LocalNotifier) Close() error { return nil }

// RedisNotifier fans wake-ups out to every process subscribed to the same
// Redis channel. Messages carry no data; any message is a wake-up.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	local   *LocalNotifier
	pubsub  *redis.PubSub
	done    chan struct{}
}

// NewRedisNotifier subscribes to channel and waits for the subscription to be
// confirmed before returning.
func NewRedisNotifier(ctx context.Context, client redis.UniversalClient, channel string) (*RedisNotifier, error) {
	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		local:   NewLocalNotifier(),
		pubsub:  ps,
		done:    make(chan struct{}),
	}
	go n.listen()
	return n, nil
}

func (n *RedisNotifier) listen() {
	defer close(n.done)
	for range n.pubsub.Channel() {
		_ = n.local.Notify(context.Background())
	}
}

// Notify wakes local waiters immediately and publishes to peers.
func (n *RedisNotifier) Notify(ctx context.Context) error {
	_ = n.local.Notify(ctx)
	if err := n.client.Publish(ctx, n.channel, "1").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel, err)
	}
	return nil
}

func (n *RedisNotifier) Ready() <-chan struct{} {
	return n.local.Ready()
}

// Close unsubscribes. The Redis client is owned by the caller.
func (n *RedisNotifier) Close() error {
	err := n.pubsub.Close()
	<-n.done
	return err
}
