package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fiscalchat/internal/util"
)

// Event is a notification fan-out request. The API publishes one whenever
// something happens that the recipient should hear about (new message, new
// document, account change); a worker consumes it, persists the
// notification record and pushes it over the websocket hub.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedisEventQueue delivers notification events through a Redis stream with
// a consumer group, so delivery survives API restarts and multiple workers
// can share the load.
type RedisEventQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

// RedisQueueConfig configures the event stream. Zero values fall back to
// safe defaults.
type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

// NewRedisEventQueue validates config and connects the Redis client.
func NewRedisEventQueue(cfg RedisQueueConfig) (*RedisEventQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "fiscalchat:notifications"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notifier"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisEventQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Publish appends an event to the stream.
func (q *RedisEventQueue) Publish(ctx context.Context, ev Event) (Event, error) {
	if strings.TrimSpace(ev.UserID) == "" {
		return Event{}, errors.New("event userId required")
	}
	if strings.TrimSpace(ev.Kind) == "" {
		return Event{}, errors.New("event kind required")
	}
	if ev.ID == "" {
		ev.ID = util.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: eventValues(ev, 0),
	}).Err(); err != nil {
		return Event{}, fmt.Errorf("publish event: %w", err)
	}
	return ev, nil
}

// Start launches consumer goroutines that run until ctx is canceled.
func (q *RedisEventQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Event) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisEventQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group",
				"stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisEventQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Event) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisEventQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisEventQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Event) error) {
	ev, attempts, ok := decodeEvent(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, ev); err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if attempts+1 >= q.maxRetries {
		// The consumer writes the notification row, so dropping a poison
		// event loses the notification. Log it so the loss is traceable.
		slog.Warn("dropping event after retry budget",
			"stream", q.stream, "event_id", ev.ID, "user_id", ev.UserID, "attempts", attempts+1)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, ev, attempts+1)
}

func (q *RedisEventQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisEventQueue) requeueAndAck(ctx context.Context, msgID string, ev Event, attempts int) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: eventValues(ev, attempts),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func eventValues(ev Event, attempts int) map[string]any {
	return map[string]any{
		"id":         ev.ID,
		"user_id":    ev.UserID,
		"kind":       ev.Kind,
		"title":      ev.Title,
		"body":       ev.Body,
		"ref":        ev.Ref,
		"created_at": ev.CreatedAt.Format(time.RFC3339Nano),
		"attempts":   strconv.Itoa(attempts),
	}
}

func decodeEvent(values map[string]any) (Event, int, bool) {
	ev := Event{
		ID:     stringValue(values["id"]),
		UserID: stringValue(values["user_id"]),
		Kind:   stringValue(values["kind"]),
		Title:  stringValue(values["title"]),
		Body:   stringValue(values["body"]),
		Ref:    stringValue(values["ref"]),
	}
	if ev.ID == "" || ev.UserID == "" || ev.Kind == "" {
		return Event{}, 0, false
	}
	if raw := stringValue(values["created_at"]); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.CreatedAt = t
		}
	}
	attempts := 0
	if raw := stringValue(values["attempts"]); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			attempts = n
		}
	}
	return ev, attempts, true
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
