package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aihub/vector-go/internal/logger"
	"go.uber.org/zap"
)

// MemoryBroker 内存消息代理。用于测试和未配置Kafka的开发环境，
// 与KafkaBroker满足同一接口，可互相替换。
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Delivery
	closed bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]chan Delivery),
	}
}

func (b *MemoryBroker) queue(name string) chan Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Delivery, 1024)
		b.queues[name] = q
	}
	return q
}

// Publish 发布消息到内存队列
func (b *MemoryBroker) Publish(queue string, message interface{}, persistent bool) bool {
	data, err := json.Marshal(message)
	if err != nil {
		logger.Error("序列化消息失败", zap.String("queue", queue), zap.Error(err))
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	select {
	case b.queue(queue) <- Delivery{Queue: queue, Body: data}:
		return true
	default:
		// 队列已满
		return false
	}
}

// DeclareQueue 声明队列
func (b *MemoryBroker) DeclareQueue(name string, durable, exclusive, autoDelete bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker已关闭")
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan Delivery, 1024)
	}
	return nil
}

// Consume 阻塞消费，直到ctx取消
func (b *MemoryBroker) Consume(ctx context.Context, queue string, handler Handler, prefetch int) error {
	q := b.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-q:
			err := handler(ctx, &d)
			switch {
			case err == nil:
			case errors.Is(err, ErrReject):
				b.Publish(queue+".failed", json.RawMessage(d.Body), true)
			default:
				// 处理失败：重新入队等待重投
				select {
				case q <- d:
				default:
				}
			}
		}
	}
}

// QueueDepth 返回队列中等待的消息数
func (b *MemoryBroker) QueueDepth(queue string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return int64(len(q))
}

// HealthCheck 内存代理始终健康（除非已关闭）
func (b *MemoryBroker) HealthCheck() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// CloseAll 关闭代理
func (b *MemoryBroker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
