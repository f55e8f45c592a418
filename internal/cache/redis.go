package cache

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "cache:"
	tagPrefix = "cachetag:"
)

// RedisTier is the durable tier on a shared Redis. Tag membership lives
// in sets whose expiry is pushed out to at least the member's TTL.
type RedisTier struct{ rdb *r.Client }

// NewRedisTier wraps an already-constructed client; the caller owns the
// client's lifecycle.
func NewRedisTier(rdb *r.Client) *RedisTier { return &RedisTier{rdb} }

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := t.rdb.Pipeline()
	getCmd := pipe.Get(ctx, keyPrefix+key)
	ttlCmd := pipe.PTTL(ctx, keyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		if err == r.Nil {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	val, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, false, err
	}
	ttl, err := ttlCmd.Result()
	if err != nil || ttl <= 0 {
		return nil, 0, false, err
	}
	return val, ttl, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, val []byte, ttl time.Duration, tags []string) error {
	pipe := t.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefix+key, val, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagPrefix+tag, key)
		// Keep the tag set alive at least as long as its newest member.
		pipe.Expire(ctx, tagPrefix+tag, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTier) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	return t.rdb.Del(ctx, full...).Err()
}

func (t *RedisTier) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	keys, err := t.rdb.SMembers(ctx, tagPrefix+tag).Result()
	if err == r.Nil {
		return nil, nil
	}
	return keys, err
}

func (t *RedisTier) DropTag(ctx context.Context, tag string) error {
	return t.rdb.Del(ctx, tagPrefix+tag).Err()
}
