package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// listCommands 是 RedisQueue 用到的命令子集，测试中可替换。
type listCommands interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现简单的消息队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client listCommands
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client listCommands, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "agentpay:intents"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.queue, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布消息失败")
	}
	return nil
}

// Receive 阻塞读取一条消息，超时返回 nil, nil。
func (q *RedisQueue) Receive(ctx context.Context) ([]byte, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
	}
	if len(values) != 2 {
		return nil, nil
	}
	return []byte(values[1]), nil
}

// Consume 通过 BRPOP 从 Redis 获取消息。
// 处理失败的消息不会重新入队：意图可能已经触发转账，重投会造成重复支付。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := logger.Named("intent-queue")
	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				body, err := q.Receive(ctx)
				if err != nil {
					if ctx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
						errCh <- fmt.Errorf("redis queue %s: %w", q.queue, err)
					}
					return
				}
				if body == nil {
					continue
				}
				if handlerErr := handler(ctx, body); handlerErr != nil {
					log.Warn("queue message dropped", "queue", q.queue, "error", handlerErr)
				}
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
