// Package queue buffers usage events in a Redis stream so request handlers
// do not wait on the durable usage log.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"pdfpage/internal/util"
	"pdfpage/pkg/domain"
)

const (
	fieldEvent    = "event"
	fieldAttempts = "attempts"
)

// Handler persists one drained event.
type Handler func(context.Context, domain.UsageEvent) error

type Config struct {
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

// UsageQueue is a Redis Streams consumer group over usage events.
// AppendUsage makes it a quota.UsageLog.
type UsageQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	logger       *slog.Logger
	once         sync.Once
}

func NewUsageQueue(client redis.UniversalClient, cfg Config) (*UsageQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "usage-log"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	q := &UsageQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   positive(cfg.MaxRetries, 5),
		block:        positiveDuration(cfg.Block, 5*time.Second),
		claimIdle:    positiveDuration(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   positiveDuration(cfg.RetryDelay, 2*time.Second),
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		logger:       slog.Default(),
	}
	if q.maxLen <= 0 {
		q.maxLen = 100000
	}
	if q.readCount <= 0 {
		q.readCount = 20
	}
	return q, nil
}

func (q *UsageQueue) Name() string { return "usage-stream" }

// AppendUsage enqueues ev. The stream is trimmed approximately to MaxLen.
func (q *UsageQueue) AppendUsage(ctx context.Context, ev domain.UsageEvent) error {
	return q.add(ctx, q.client, ev, 0)
}

func (q *UsageQueue) add(ctx context.Context, c redis.Cmdable, ev domain.UsageEvent, attempts int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldEvent:    string(payload),
			fieldAttempts: strconv.Itoa(attempts),
		},
	}).Err()
}

// Start runs concurrency consumers until ctx is done.
func (q *UsageQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
}

func (q *UsageQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.logger.Warn("usage stream group create failed", "stream", q.stream, "error", err)
		}
	})
}

func (q *UsageQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
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
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("usage stream read failed", "stream", q.stream, "error", err)
				q.sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *UsageQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

// handleMessage hands one entry to handler. A failure re-adds the event with
// a bumped attempt count; after MaxRetries the event is dropped and logged.
func (q *UsageQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values[fieldEvent].(string)
	var ev domain.UsageEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		q.logger.Warn("usage stream entry malformed", "id", msg.ID, "error", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	attempts := 0
	if s, ok := msg.Values[fieldAttempts].(string); ok {
		attempts, _ = strconv.Atoi(s)
	}
	attempts++

	err := handler(ctx, ev)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if attempts >= q.maxRetries {
		q.logger.Error("usage event dropped",
			"event", ev.ID,
			"operation", ev.Operation,
			"attempts", attempts,
			"error", err,
		)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.sleep(ctx, q.retryDelay)
	if err := q.requeueAndAck(ctx, msg.ID, ev, attempts); err != nil {
		q.logger.Warn("usage event requeue failed", "event", ev.ID, "error", err)
	}
}

func (q *UsageQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck re-adds ev and acknowledges msgID in one transaction, so a
// failure leaves the original entry pending for reclaim.
func (q *UsageQueue) requeueAndAck(ctx context.Context, msgID string, ev domain.UsageEvent, attempts int) error {
	pipe := q.client.TxPipeline()
	if err := q.add(ctx, pipe, ev, attempts); err != nil {
		return err
	}
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *UsageQueue) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func positiveDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
