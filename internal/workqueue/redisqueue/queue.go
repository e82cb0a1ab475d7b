package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"loom/internal/workqueue"
)

const receiptSeparator = "|"

var _ workqueue.Queue = (*Queue)(nil)

// ARGV: now, limit, hidden-until, message key prefix, receipt tokens...
// Receipts are "<message id>|<token>" so acknowledge can find the message.
var luaDequeue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for i, id in ipairs(ids) do
	local key = ARGV[4] .. id
	if redis.call('EXISTS', key) == 1 then
		local receipt = id .. '|' .. ARGV[4 + i]
		redis.call('ZADD', KEYS[1], ARGV[3], id)
		redis.call('HSET', key, 'receipt', receipt)
		redis.call('HINCRBY', key, 'deliveries', 1)
		table.insert(out, id)
		table.insert(out, receipt)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out`)

var luaAcknowledge = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') == ARGV[1] then
	redis.call('DEL', KEYS[2])
	redis.call('ZREM', KEYS[1], ARGV[2])
	return 1
end
return 0`)

var luaDeadLetter = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') == ARGV[1] then
	redis.call('DEL', KEYS[2])
	redis.call('ZREM', KEYS[1], ARGV[2])
	redis.call('LPUSH', KEYS[3], ARGV[3])
	return 1
end
return 0`)

// Queue is a Redis-backed work queue.
type Queue struct {
	client *redis.Client
	keys   keys
	now    func() time.Time
}

// Options configures Open.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps client. Keys are namespaced under prefix.
func New(client *redis.Client, prefix string) *Queue {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "loom"
	}
	return &Queue{client: client, keys: keys{prefix: prefix}, now: time.Now}
}

// Close closes the client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue stores msg, visible after delay.
func (q *Queue) Enqueue(ctx context.Context, msg workqueue.Message, delay time.Duration) (string, error) {
	if strings.TrimSpace(msg.JobID) == "" || strings.TrimSpace(msg.Stage) == "" {
		return "", errors.New("message job id and stage are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	visibleAt := now.Add(delay)
	if msg.NotBefore.After(visibleAt) {
		visibleAt = msg.NotBefore
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keys.message(msg.ID), map[string]interface{}{
		"job_id":      msg.JobID,
		"stage":       msg.Stage,
		"attempt":     msg.Attempt,
		"deliveries":  0,
		"not_before":  visibleAt.UTC().Format(time.RFC3339Nano),
		"enqueued_at": now.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, q.keys.ready(), &redis.Z{Score: float64(visibleAt.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return msg.ID, nil
}

// Dequeue hands out up to limit visible messages.
func (q *Queue) Dequeue(ctx context.Context, limit int, visibility time.Duration) ([]workqueue.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	if visibility <= 0 {
		return nil, errors.New("visibility timeout must be positive")
	}
	now := q.now()
	args := []interface{}{
		now.UnixMilli(),
		limit,
		now.Add(visibility).UnixMilli(),
		q.keys.messagePrefix(),
	}
	for i := 0; i < limit; i++ {
		args = append(args, uuid.NewString())
	}
	res, err := luaDequeue.Run(ctx, q.client, []string{q.keys.ready()}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue messages: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("dequeue messages: unexpected reply %T", res)
	}

	deliveries := make([]workqueue.Delivery, 0, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		id, _ := values[i].(string)
		receipt, _ := values[i+1].(string)
		fields, err := q.client.HGetAll(ctx, q.keys.message(id)).Result()
		if err != nil {
			return deliveries, fmt.Errorf("load message %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		deliveries = append(deliveries, toDelivery(id, receipt, fields))
	}
	return deliveries, nil
}

// Acknowledge deletes the message held under receipt.
func (q *Queue) Acknowledge(ctx context.Context, receipt string) error {
	id, ok := messageIDFromReceipt(receipt)
	if !ok {
		return workqueue.ErrReceiptExpired
	}
	n, err := luaAcknowledge.Run(ctx, q.client, []string{q.keys.ready(), q.keys.message(id)}, receipt, id).Int64()
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	if n == 0 {
		return workqueue.ErrReceiptExpired
	}
	return nil
}

// DeadLetter removes the delivered message and records it as dead.
func (q *Queue) DeadLetter(ctx context.Context, delivery workqueue.Delivery, reason string) error {
	id, ok := messageIDFromReceipt(delivery.Receipt)
	if !ok {
		return workqueue.ErrReceiptExpired
	}
	entry := workqueue.DeadLetter{
		ID:         ulid.Make().String(),
		MessageID:  delivery.ID,
		JobID:      delivery.JobID,
		Stage:      delivery.Stage,
		Attempt:    delivery.Attempt,
		Deliveries: delivery.Deliveries,
		Reason:     reason,
		EnqueuedAt: delivery.EnqueuedAt,
		CreatedAt:  q.now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	n, err := luaDeadLetter.Run(ctx, q.client,
		[]string{q.keys.ready(), q.keys.message(id), q.keys.deadLetters()},
		delivery.Receipt, id, string(payload),
	).Int64()
	if err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	if n == 0 {
		return workqueue.ErrReceiptExpired
	}
	return nil
}

// DeadLetters lists dead letters, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]workqueue.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.keys.deadLetters(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	entries := make([]workqueue.DeadLetter, 0, len(raw))
	for _, item := range raw {
		var entry workqueue.DeadLetter
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PurgeDeadLetters removes every dead letter.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int64, error) {
	pipe := q.client.TxPipeline()
	count := pipe.LLen(ctx, q.keys.deadLetters())
	pipe.Del(ctx, q.keys.deadLetters())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return count.Val(), nil
}

// Stats summarizes queue depth.
func (q *Queue) Stats(ctx context.Context) (workqueue.Stats, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	pipe := q.client.Pipeline()
	ready := pipe.ZCount(ctx, q.keys.ready(), "-inf", now)
	total := pipe.ZCard(ctx, q.keys.ready())
	dead := pipe.LLen(ctx, q.keys.deadLetters())
	if _, err := pipe.Exec(ctx); err != nil {
		return workqueue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return workqueue.Stats{
		Ready:       int(ready.Val()),
		Invisible:   int(total.Val() - ready.Val()),
		DeadLetters: int(dead.Val()),
	}, nil
}

// Reset deletes every key under the queue prefix.
func (q *Queue) Reset(ctx context.Context) error {
	iter := q.client.Scan(ctx, 0, q.keys.pattern(), 100).Iterator()
	for iter.Next(ctx) {
		if err := q.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func toDelivery(id, receipt string, fields map[string]string) workqueue.Delivery {
	attempt, _ := strconv.Atoi(fields["attempt"])
	deliveries, _ := strconv.Atoi(fields["deliveries"])
	notBefore, _ := time.Parse(time.RFC3339Nano, fields["not_before"])
	enqueued, _ := time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	return workqueue.Delivery{
		Message: workqueue.Message{
			ID:         id,
			JobID:      fields["job_id"],
			Stage:      fields["stage"],
			Attempt:    attempt,
			NotBefore:  notBefore,
			EnqueuedAt: enqueued,
		},
		Receipt:    receipt,
		Deliveries: deliveries,
	}
}

func messageIDFromReceipt(receipt string) (string, bool) {
	id, _, ok := strings.Cut(receipt, receiptSeparator)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
