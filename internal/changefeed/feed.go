// Package changefeed relays committed document changes between processes
// that share one sqlite database, over Redis pub/sub.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event names one committed document change.
type Event struct {
	Origin     string    `json:"origin"`
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
}

// Handler is invoked for every change committed by another process.
type Handler func(ctx context.Context, collection, id string) error

// Feed publishes local commits and delivers remote ones.
type Feed struct {
	client  *redis.Client
	channel string
	origin  string
}

// New connects to Redis and verifies the connection.
func New(redisURL, channel string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, channel), nil
}

// NewWithClient creates a feed from an existing Redis client
func NewWithClient(client *redis.Client, channel string) *Feed {
	return &Feed{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Origin identifies this process in published events.
func (f *Feed) Origin() string {
	return f.origin
}

// Publish announces a committed change.
func (f *Feed) Publish(ctx context.Context, collection, id string) error {
	payload, err := json.Marshal(Event{
		Origin:     f.origin,
		Collection: collection,
		ID:         id,
		At:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe starts delivering remote changes to handler. It returns once the
// subscription is confirmed; the returned stop function ends delivery and
// waits for the delivery goroutine to exit.
func (f *Feed) Subscribe(ctx context.Context, handler Handler) (func() error, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", f.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		messages := pubsub.Channel()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				f.dispatch(runCtx, msg.Payload, handler)
			case <-runCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	var closeErr error
	return func() error {
		once.Do(func() {
			cancel()
			closeErr = pubsub.Close()
			wg.Wait()
		})
		return closeErr
	}, nil
}

func (f *Feed) dispatch(ctx context.Context, payload string, handler Handler) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("Change feed dropped malformed event: %v", err)
		return
	}
	if ev.Origin == f.origin {
		return
	}
	if err := handler(ctx, ev.Collection, ev.ID); err != nil {
		log.Printf("Change feed handler failed: collection=%s id=%s err=%v", ev.Collection, ev.ID, err)
	}
}

// Ping checks if Redis is reachable
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (f *Feed) Close() error {
	return f.client.Close()
}
