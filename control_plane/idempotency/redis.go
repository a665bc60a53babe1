package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/accountforge/control_plane/observability"
)

// RedisStore shares idempotency records between API replicas.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func resultKey(key string) string { return "accountforge:idempotency:result:" + key }
func lockKey(key string) string   { return "accountforge:idempotency:lock:" + key }

// Reserve checks for a result first, then takes the lock with SET NX.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	if rec, err := s.get(ctx, resultKey(key)); err != nil || rec != nil {
		return rec, false, err
	}

	locked, err := json.Marshal(Record{State: StateLocked, Fingerprint: fingerprint, CreatedAt: s.now()})
	if err != nil {
		return nil, false, err
	}
	acquired, err := s.client.SetNX(ctx, lockKey(key), locked, LockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if acquired {
		return nil, true, nil
	}

	// Lost the race: report whichever phase the winner is in.
	if rec, err := s.get(ctx, resultKey(key)); err != nil || rec != nil {
		return rec, false, err
	}
	rec, err := s.get(ctx, lockKey(key))
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		// Lock expired between SETNX and GET; treat as in progress.
		rec = &Record{State: StateLocked, Fingerprint: fingerprint}
	}
	return rec, false, nil
}

// Complete transitions LOCKED to RESULT.
func (s *RedisStore) Complete(ctx context.Context, key string, rec *Record) error {
	r := *rec
	r.State = StateResult
	r.CreatedAt = s.now()
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(key), data, ResultTTL)
		pipe.Del(ctx, lockKey(key))
		return nil
	})
	return err
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, lockKey(key)).Err()
}

func (s *RedisStore) get(ctx context.Context, k string) (*Record, error) {
	data, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
