package queue

import (
	"context"
	"fmt"
	"strings"

	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
)

// Pair 是调用队列与结果队列。
type Pair struct {
	Calls   Queue
	Results Queue
}

// Close 关闭两个队列。
func (p *Pair) Close() error {
	if p == nil {
		return nil
	}
	var first error
	for _, q := range []Queue{p.Calls, p.Results} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open 按配置创建队列。driver 为 disabled 时返回 nil。
func Open(ctx context.Context, cfg config.IntentQueueConfig) (*Pair, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "disabled":
		return nil, nil
	case "memory":
		return &Pair{Calls: NewMemoryQueue(0), Results: NewMemoryQueue(0)}, nil
	case "redis":
		calls, err := NewRedisQueue(ctx, RedisQueueConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Queue:    cfg.Queue,
		})
		if err != nil {
			return nil, err
		}
		results, err := NewRedisQueue(ctx, RedisQueueConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Queue:    cfg.ResultQueue,
		})
		if err != nil {
			calls.Close()
			return nil, err
		}
		return &Pair{Calls: calls, Results: results}, nil
	case "rabbitmq":
		calls, err := NewRabbitMQQueue(RabbitMQConfig{URL: cfg.RabbitMQURL, Queue: cfg.Queue, Durable: true, Prefetch: cfg.Workers})
		if err != nil {
			return nil, err
		}
		results, err := NewRabbitMQQueue(RabbitMQConfig{URL: cfg.RabbitMQURL, Queue: cfg.ResultQueue, Durable: true})
		if err != nil {
			calls.Close()
			return nil, err
		}
		return &Pair{Calls: calls, Results: results}, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("未知的意图队列驱动 %q", cfg.Driver))
	}
}
