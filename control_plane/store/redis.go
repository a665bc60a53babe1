package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
)

// RedisStore implements the Store interface using Redis hashes for records
// and sorted sets for the per-account action index.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore wraps client. The client is owned by the caller; Close does
// not close it.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Account Operations ---

func (s *RedisStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	return s.put(ctx, ResourceAccount, a.ID, a)
}

func (s *RedisStore) DeleteAccount(ctx context.Context, id string) error {
	return s.del(ctx, ResourceAccount, id)
}

func (s *RedisStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	raw, err := s.all(ctx, ResourceAccount)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Account, 0, len(raw))
	for id, data := range raw {
		var a model.Account
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode account %s: %w", id, err)
		}
		result = append(result, &a)
	}
	sortAccounts(result)
	return result, nil
}

// --- Proxy Operations ---

func (s *RedisStore) UpsertProxy(ctx context.Context, p *model.Proxy) error {
	return s.put(ctx, ResourceProxy, p.ID, withoutCredentials(p))
}

func (s *RedisStore) DeleteProxy(ctx context.Context, id string) error {
	return s.del(ctx, ResourceProxy, id)
}

func (s *RedisStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	raw, err := s.all(ctx, ResourceProxy)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Proxy, 0, len(raw))
	for id, data := range raw {
		var p model.Proxy
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decode proxy %s: %w", id, err)
		}
		result = append(result, &p)
	}
	sortProxies(result)
	return result, nil
}

// --- Action Operations ---

// UpsertAction writes the record and both index entries in one MULTI.
func (s *RedisStore) UpsertAction(ctx context.Context, a *model.Action) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	member := redis.Z{Score: float64(a.CreatedAt.UnixMicro()), Member: a.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RecordsKey(s.namespace, ResourceAction), a.ID, data)
		pipe.ZAdd(ctx, ActionIndexKey(s.namespace, a.AccountID), member)
		pipe.ZAdd(ctx, ActionIndexKey(s.namespace, ""), member)
		return nil
	})
	return err
}

func (s *RedisStore) ListActions(ctx context.Context, accountID string, limit int) ([]*model.Action, error) {
	defer observeRedis(time.Now())

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	ids, err := s.client.ZRange(ctx, ActionIndexKey(s.namespace, accountID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, RecordsKey(s.namespace, ResourceAction), ids...).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*model.Action, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// Index entry without a record; skip it.
			continue
		}
		var a model.Action
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode action %s: %w", ids[i], err)
		}
		result = append(result, &a)
	}
	sortActions(result)
	return result, nil
}

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) put(ctx context.Context, resource Resource, id string, v any) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, RecordsKey(s.namespace, resource), id, data).Err()
}

func (s *RedisStore) del(ctx context.Context, resource Resource, id string) error {
	defer observeRedis(time.Now())
	return s.client.HDel(ctx, RecordsKey(s.namespace, resource), id).Err()
}

func (s *RedisStore) all(ctx context.Context, resource Resource) (map[string]string, error) {
	defer observeRedis(time.Now())

	raw, err := s.client.HGetAll(ctx, RecordsKey(s.namespace, resource)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return raw, err
}
