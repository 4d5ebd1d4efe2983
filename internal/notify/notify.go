// Package notify is the optional publish/subscribe fan-out of spec.md 4.C:
// one channel per task ("task:{id}") and per execution ("execution:{id}"),
// carrying JSON-shaped {id, state} messages on every terminal-or-completed
// state transition. It is adapted from the teacher's
// internal/events.RedisPubSub, narrowed to the two channel kinds the
// durable-execution waiters need instead of a general event-type fan-out.
//
// Waiters never depend on delivery: when no Bus is configured, or when a
// message is missed, the adaptive-poll fallback in Waiter is always
// authoritative (spec.md 5).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/senpuki/internal/logger"
)

// Message is the payload published on a state transition. Kind is only
// populated on the "events" fan-out channel (see SubscribeAll), which a
// dashboard subscribes to instead of to every individual task/execution
// channel.
type Message struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Kind  string `json:"kind,omitempty"`
}

// Bus publishes and subscribes to task/execution transition channels. A nil
// Bus is valid: callers must fall back to polling.
type Bus interface {
	PublishTask(ctx context.Context, taskID string, state string) error
	PublishExecution(ctx context.Context, executionID string, state string) error
	SubscribeTask(ctx context.Context, taskID string) (<-chan Message, func(), error)
	SubscribeExecution(ctx context.Context, executionID string) (<-chan Message, func(), error)
	// SubscribeAll fans out every task and execution transition on a
	// single channel, for a dashboard that watches the whole system
	// instead of one execution.
	SubscribeAll(ctx context.Context) (<-chan Message, func(), error)
	Close() error
}

func taskChannel(id string) string      { return "task:" + id }
func executionChannel(id string) string { return "execution:" + id }

const eventsChannel = "events"

// RedisBus implements Bus over Redis Pub/Sub, per the "redis://" /
// "rediss://" bus URI of spec.md 6.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus parses a redis connection URI (redis://, rediss://) and
// returns a ready Bus.
func NewRedisBus(uri string) (*RedisBus, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis uri: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func (b *RedisBus) publish(ctx context.Context, channel string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) PublishTask(ctx context.Context, taskID string, state string) error {
	if err := b.publish(ctx, taskChannel(taskID), Message{ID: taskID, State: state}); err != nil {
		return err
	}
	return b.publish(ctx, eventsChannel, Message{ID: taskID, State: state, Kind: "task"})
}

func (b *RedisBus) PublishExecution(ctx context.Context, executionID string, state string) error {
	if err := b.publish(ctx, executionChannel(executionID), Message{ID: executionID, State: state}); err != nil {
		return err
	}
	return b.publish(ctx, eventsChannel, Message{ID: executionID, State: state, Kind: "execution"})
}

func (b *RedisBus) subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("notify: subscribe %s: %w", channel, err)
	}

	out := make(chan Message, 8)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				logger.Warn().Err(err).Str("channel", channel).Msg("notify: dropping malformed message")
				continue
			}
			select {
			case out <- m:
			default:
				logger.Warn().Str("channel", channel).Msg("notify: subscriber channel full, dropping message")
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}

func (b *RedisBus) SubscribeTask(ctx context.Context, taskID string) (<-chan Message, func(), error) {
	return b.subscribe(ctx, taskChannel(taskID))
}

func (b *RedisBus) SubscribeExecution(ctx context.Context, executionID string) (<-chan Message, func(), error) {
	return b.subscribe(ctx, executionChannel(executionID))
}

func (b *RedisBus) SubscribeAll(ctx context.Context) (<-chan Message, func(), error) {
	return b.subscribe(ctx, eventsChannel)
}

func (b *RedisBus) Close() error { return b.client.Close() }

// PollConfig tunes the adaptive-poll fallback of spec.md 4.C.
type PollConfig struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	BackoffFactor float64
}

// DefaultPollConfig returns the spec's documented defaults: 100ms min, 5s
// max, factor 2.
func DefaultPollConfig() PollConfig {
	return PollConfig{MinInterval: 100 * time.Millisecond, MaxInterval: 5 * time.Second, BackoffFactor: 2}
}

// Waiter blocks until a check function reports a settled result or ctx is
// done, using the bus when available and adaptive polling otherwise. It
// never trusts bus delivery alone: a poll tick always re-checks backend
// state directly.
type Waiter struct {
	Bus    Bus
	Poll   PollConfig
	Check  func(ctx context.Context) (done bool, err error)
	Notify func(ctx context.Context) (<-chan Message, func(), error)
}

// Wait runs the check/notify loop until Check reports done, an error
// occurs, or ctx is cancelled.
func (w *Waiter) Wait(ctx context.Context) error {
	if done, err := w.Check(ctx); err != nil {
		return err
	} else if done {
		return nil
	}

	var msgCh <-chan Message
	var cancel func()
	if w.Notify != nil {
		var err error
		msgCh, cancel, err = w.Notify(ctx)
		if err == nil {
			defer cancel()
		}
	}

	interval := w.Poll.MinInterval
	if interval <= 0 {
		interval = DefaultPollConfig().MinInterval
	}
	maxInterval := w.Poll.MaxInterval
	if maxInterval <= 0 {
		maxInterval = DefaultPollConfig().MaxInterval
	}
	factor := w.Poll.BackoffFactor
	if factor <= 1 {
		factor = DefaultPollConfig().BackoffFactor
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-msgCh:
			if done, err := w.Check(ctx); err != nil {
				return err
			} else if done {
				return nil
			}
			interval = w.Poll.MinInterval
			if interval <= 0 {
				interval = DefaultPollConfig().MinInterval
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		case <-timer.C:
			if done, err := w.Check(ctx); err != nil {
				return err
			} else if done {
				return nil
			}
			interval = time.Duration(float64(interval) * factor)
			if interval > maxInterval {
				interval = maxInterval
			}
			timer.Reset(interval)
		}
	}
}
