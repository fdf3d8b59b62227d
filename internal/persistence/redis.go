package persistence

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

const (
	redisTokensKey   = "edge:tokens"
	redisFeaturesKey = "edge:features"
)

// RedisBackend persists tokens and features as two JSON blobs under fixed
// keys in a Redis instance shared by every edge replica.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend returns a RedisBackend connected to addr.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (r *RedisBackend) LoadTokens(ctx context.Context) ([]TokenRecord, error) {
	var records []TokenRecord
	if err := loadBlob(ctx, r.client, redisTokensKey, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *RedisBackend) SaveTokens(ctx context.Context, records []TokenRecord) error {
	return saveBlob(ctx, r.client, redisTokensKey, records)
}

func (r *RedisBackend) LoadFeatures(ctx context.Context) ([]FeatureRecord, error) {
	var records []FeatureRecord
	if err := loadBlob(ctx, r.client, redisFeaturesKey, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *RedisBackend) SaveFeatures(ctx context.Context, records []FeatureRecord) error {
	return saveBlob(ctx, r.client, redisFeaturesKey, records)
}

func loadBlob(ctx context.Context, client *redis.Client, key string, v any) error {
	data, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func saveBlob(ctx context.Context, client *redis.Client, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, data, 0).Err()
}
