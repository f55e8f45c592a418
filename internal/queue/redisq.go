// Package queue is the Redis-backed job broker. Each queue keeps one
// list per priority level plus a sorted set for delayed jobs; ready
// jobs are claimed with a blocking pop across the priority lists from
// highest to lowest, giving priority order then FIFO within a priority.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"
)

type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func readyKey(queue string, priority int) string {
	return fmt.Sprintf("queue:%s:p%d", queue, priority)
}

func delayKey(queue string) string { return "delay:" + queue }

// delayMember encodes the priority alongside the job id so MoveDue can
// restore the job to the right priority list.
func delayMember(priority int, jobID string) string {
	return strconv.Itoa(priority) + "|" + jobID
}

func parseDelayMember(m string) (priority int, jobID string) {
	i := strings.IndexByte(m, '|')
	if i < 0 {
		return 0, m
	}
	p, _ := strconv.Atoi(m[:i])
	return p, m[i+1:]
}

// Enqueue pushes a job onto its queue, or parks it in the delay set
// when runAt is in the future.
func (q *RedisQ) Enqueue(ctx context.Context, queue, jobID string, priority int, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, delayKey(queue), r.Z{
			Score:  float64(runAt.Unix()),
			Member: delayMember(priority, jobID),
		}).Err()
	}
	return q.rdb.LPush(ctx, readyKey(queue, priority), jobID).Err()
}

// Dequeue blocks up to the given duration for the next ready job,
// checking priority lists from highest to lowest. Returns the job id
// and the priority it was queued at, or "" when nothing arrived before
// the timeout.
func (q *RedisQ) Dequeue(ctx context.Context, queue string, priorities []int, block time.Duration) (string, int, error) {
	keys := make([]string, 0, len(priorities))
	for i := len(priorities) - 1; i >= 0; i-- { // highest first
		keys = append(keys, readyKey(queue, priorities[i]))
	}
	res, err := q.rdb.BRPop(ctx, block, keys...).Result()
	if err != nil {
		if err == r.Nil {
			return "", 0, nil
		}
		return "", 0, err
	}
	if len(res) == 2 {
		return res[1], parseReadyKey(res[0]), nil
	}
	return "", 0, nil
}

// parseReadyKey recovers the priority from a "queue:<name>:p<prio>"
// list key.
func parseReadyKey(key string) int {
	i := strings.LastIndex(key, ":p")
	if i < 0 {
		return 0
	}
	p, _ := strconv.Atoi(key[i+2:])
	return p
}

// MoveDue shifts jobs whose delay has elapsed from the delay set onto
// their priority lists. Called periodically by the worker's scheduler
// loop.
func (q *RedisQ) MoveDue(ctx context.Context, queue string, now int64, batch int64) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, delayKey(queue), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		prio, id := parseDelayMember(m)
		pipe.LPush(ctx, readyKey(queue, prio), id)
		pipe.ZRem(ctx, delayKey(queue), m)
	}
	_, err = pipe.Exec(ctx)
	return len(members), err
}

// Remove drops a not-yet-claimed job from the queue. Used for
// cancellation; running jobs cannot be removed here.
func (q *RedisQ) Remove(ctx context.Context, queue, jobID string, priority int) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, readyKey(queue, priority), 0, jobID)
	pipe.ZRem(ctx, delayKey(queue), delayMember(priority, jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth reports ready and delayed counts for health reporting.
func (q *RedisQ) Depth(ctx context.Context, queue string, priorities []int) (ready int64, delayed int64, err error) {
	pipe := q.rdb.Pipeline()
	lens := make([]*r.IntCmd, len(priorities))
	for i, p := range priorities {
		lens[i] = pipe.LLen(ctx, readyKey(queue, p))
	}
	zcard := pipe.ZCard(ctx, delayKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	for _, c := range lens {
		ready += c.Val()
	}
	return ready, zcard.Val(), nil
}
