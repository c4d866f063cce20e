package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix = "engram:queue:pending:"
	claimsKey        = "engram:queue:claims"
)

// claimScript pops the head of the group's pending list and records the
// claim in the claims hash. Both steps happen in one atomic unit so a
// crash between them cannot lose the task id.
const claimScript = `
local id = redis.call("LPOP", KEYS[1])
if not id then
	return false
end
redis.call("HSET", KEYS[2], id, ARGV[1])
return id
`

// ackScript drops the claim. Removal is idempotent.
const ackScript = `
return redis.call("HDEL", KEYS[1], ARGV[1])
`

// reEnqueueScript drops the claim and prepends the id back to the group's
// pending list, so a recovered task keeps its place ahead of later work.
const reEnqueueScript = `
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`

// RedisQueue is a Redis-backed Queue. Pending ids live in one list per
// group; in-flight claims live in a single hash keyed by task id. Queue
// state survives process restarts.
type RedisQueue struct {
	client *redis.Client

	claimSHA     string
	ackSHA       string
	reEnqueueSHA string
}

// NewRedisQueue connects to Redis and preloads the queue scripts.
func NewRedisQueue(ctx context.Context, addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return newRedisQueue(ctx, client)
}

// NewRedisQueueWithClient wraps an existing client, for tests.
func NewRedisQueueWithClient(ctx context.Context, client *redis.Client) (*RedisQueue, error) {
	return newRedisQueue(ctx, client)
}

func newRedisQueue(ctx context.Context, client *redis.Client) (*RedisQueue, error) {
	q := &RedisQueue{client: client}

	var err error
	if q.claimSHA, err = client.ScriptLoad(ctx, claimScript).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to preload claim script")
	}
	if q.ackSHA, err = client.ScriptLoad(ctx, ackScript).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to preload ack script")
	}
	if q.reEnqueueSHA, err = client.ScriptLoad(ctx, reEnqueueScript).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to preload re-enqueue script")
	}
	return q, nil
}

func pendingKey(groupID string) string {
	return pendingKeyPrefix + groupID
}

func (q *RedisQueue) Enqueue(ctx context.Context, groupID, taskID string) error {
	if err := q.client.RPush(ctx, pendingKey(groupID), taskID).Err(); err != nil {
		return errors.Wrap(err, "failed to enqueue task")
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, groupID, workerID string) (string, error) {
	claim := Claim{
		GroupID:   groupID,
		WorkerID:  workerID,
		ClaimedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&claim)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal claim")
	}

	res, err := q.client.EvalSha(ctx, q.claimSHA, []string{pendingKey(groupID), claimsKey}, string(data)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", errors.Wrap(err, "failed to claim task")
	}
	taskID, ok := res.(string)
	if !ok || taskID == "" {
		return "", ErrEmpty
	}
	return taskID, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	if err := q.client.EvalSha(ctx, q.ackSHA, []string{claimsKey}, taskID).Err(); err != nil {
		return errors.Wrap(err, "failed to ack task")
	}
	return nil
}

func (q *RedisQueue) ReEnqueueStalled(ctx context.Context, groupID, taskID string) error {
	err := q.client.EvalSha(ctx, q.reEnqueueSHA, []string{claimsKey, pendingKey(groupID)}, taskID).Err()
	if err != nil {
		return errors.Wrap(err, "failed to re-enqueue stalled task")
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, groupID string) (int, error) {
	n, err := q.client.LLen(ctx, pendingKey(groupID)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read queue length")
	}
	return int(n), nil
}

func (q *RedisQueue) InFlight(ctx context.Context) ([]*Claim, error) {
	entries, err := q.client.HGetAll(ctx, claimsKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read in-flight claims")
	}
	claims := make([]*Claim, 0, len(entries))
	for taskID, raw := range entries {
		var c Claim
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		c.TaskID = taskID
		claims = append(claims, &c)
	}
	return claims, nil
}

func (q *RedisQueue) Durable() bool {
	return true
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
