// Package queue is the at-least-once delivery work queue, backed by a
// Redis stream with a consumer group. A worker that dies mid-item loses
// its claim after the visibility window and another worker reclaims the
// item via XAUTOCLAIM.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKey = "leadgen:delivery"
	groupName = "delivery-workers"
)

// Item is one unit of delivery work. It carries identity only; the
// executor re-reads authoritative lead state.
type Item struct {
	// ID is the stream entry id, needed to ack.
	ID string

	LeadID            int64
	AttemptNumberHint int
	EnqueuedAt        time.Time
}

// Queue wraps the Redis stream operations used by the enqueuer and the
// delivery workers.
type Queue struct {
	rdb        redis.UniversalClient
	visibility time.Duration
}

func New(rdb redis.UniversalClient, visibility time.Duration) *Queue {
	return &Queue{rdb: rdb, visibility: visibility}
}

// EnsureGroup creates the consumer group if it does not exist yet.
// Safe to call on every startup.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, streamKey, groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue appends one work item for the lead.
func (q *Queue) Enqueue(ctx context.Context, leadID int64, attemptHint int) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"lead_id":             leadID,
			"attempt_number_hint": attemptHint,
			"enqueued_at":         time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue lead %d: %w", leadID, err)
	}
	return nil
}

// EnqueueAfter appends the item after a delay. Used by the retry
// schedule; a zero delay enqueues immediately.
func (q *Queue) EnqueueAfter(ctx context.Context, leadID int64, attemptHint int, delay time.Duration) error {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return q.Enqueue(ctx, leadID, attemptHint)
}

// Dequeue blocks up to the given duration for one item. First it tries
// to reclaim entries whose claim expired, then reads new entries.
// A nil item with nil error means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, consumer string, block time.Duration) (*Item, error) {
	if item, err := q.reclaim(ctx, consumer); err != nil || item != nil {
		return item, err
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			return parseItem(m)
		}
	}
	return nil, nil
}

// reclaim takes over at most one entry another consumer claimed but
// never acked within the visibility window.
func (q *Queue) reclaim(ctx context.Context, consumer string) (*Item, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    groupName,
		Consumer: consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return parseItem(msgs[0])
}

// Ack marks the item done. Acked entries are also trimmed from the
// stream so it does not grow without bound.
func (q *Queue) Ack(ctx context.Context, item *Item) error {
	if err := q.rdb.XAck(ctx, streamKey, groupName, item.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", item.ID, err)
	}
	// Best effort: the entry is already acked.
	_ = q.rdb.XDel(ctx, streamKey, item.ID).Err()
	return nil
}

// Depth reports the current stream length, for health reporting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func parseItem(m redis.XMessage) (*Item, error) {
	item := &Item{ID: m.ID}

	raw, ok := m.Values["lead_id"].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s: missing lead_id", m.ID)
	}
	leadID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad lead_id %q", m.ID, raw)
	}
	item.LeadID = leadID

	if v, ok := m.Values["attempt_number_hint"].(string); ok {
		item.AttemptNumberHint, _ = strconv.Atoi(v)
	}
	if v, ok := m.Values["enqueued_at"].(string); ok {
		item.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return item, nil
}
