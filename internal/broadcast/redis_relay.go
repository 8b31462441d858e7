package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisConfig configures the cross-instance relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Timeout  time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type envelope struct {
	Origin   string               `json:"origin"`
	TenantID uuid.UUID            `json:"tenantId"`
	Event    domain.ProgressEvent `json:"event"`
}

// RedisRelay publishes events to the local hub and to a Redis channel, and
// feeds events published by other instances into the local hub. Observers
// connected to any instance therefore see every upload of their tenant.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	origin  string
	outbox  chan domain.ProgressEvent
}

func NewRedisRelay(client *redis.Client, channel string, local *Hub) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		outbox:  make(chan domain.ProgressEvent, 1024),
	}
}

// Publish delivers locally and queues the event for other instances. It
// never blocks; events are dropped when the outbox is full.
func (r *RedisRelay) Publish(event domain.ProgressEvent) {
	r.local.Publish(event)
	select {
	case r.outbox <- event:
	default:
		log.Printf("[relay] outbox full, event for upload %s not forwarded", event.UploadID)
	}
}

// Run forwards queued events and relays remote ones until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	log.Printf("[relay] relaying progress events on %s", r.channel)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				r.deliver(msg.Payload)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event := <-r.outbox:
				r.forward(ctx, event)
			}
		}
	})
	return g.Wait()
}

func (r *RedisRelay) forward(ctx context.Context, event domain.ProgressEvent) {
	payload, err := encodeEnvelope(r.origin, event)
	if err != nil {
		log.Printf("[relay] failed to encode event: %v", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		log.Printf("[relay] failed to publish event for upload %s: %v", event.UploadID, err)
	}
}

func (r *RedisRelay) deliver(payload string) {
	origin, event, err := decodeEnvelope(payload)
	if err != nil {
		log.Printf("[relay] ignoring malformed relay message: %v", err)
		return
	}
	if origin == r.origin {
		return
	}
	r.local.Publish(event)
}

func encodeEnvelope(origin string, event domain.ProgressEvent) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, TenantID: event.TenantID, Event: event})
}

func decodeEnvelope(payload string) (string, domain.ProgressEvent, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", domain.ProgressEvent{}, err
	}
	if env.TenantID == uuid.Nil {
		return "", domain.ProgressEvent{}, fmt.Errorf("relay message without tenant")
	}
	env.Event.TenantID = env.TenantID
	return env.Origin, env.Event, nil
}
