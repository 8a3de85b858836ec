package keyvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 密钥存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL 为 0 时条目永不过期。
	TTL time.Duration
}

// redisCommands 是 RedisStore 用到的命令子集，测试中可替换。
type redisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore 将密钥保存在 Redis 字符串键中。
type RedisStore struct {
	client redisCommands
	prefix string
	ttl    time.Duration
}

// NewRedisStore 连接 Redis 并返回存储实例。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client redisCommands, cfg RedisStoreConfig) *RedisStore {
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

// Put 实现 SecretStore。
func (s *RedisStore) Put(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入密钥失败: %w", err)
	}
	return nil
}

// Get 实现 SecretStore。
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("Redis 读取密钥失败: %w", err)
	}
	return value, nil
}

// Delete 实现 SecretStore。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("Redis 删除密钥失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ SecretStore = (*RedisStore)(nil)
