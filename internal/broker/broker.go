package broker

import (
	"context"
	"errors"
)

// Delivery 队列投递的一条消息
type Delivery struct {
	Queue string
	Key   string
	Body  []byte
}

// Handler 消息处理回调。返回nil表示ack；返回ErrReject表示拒绝且不重投；
// 返回其他错误表示处理失败，消息保留等待重投。
type Handler func(ctx context.Context, d *Delivery) error

// ErrReject 处理回调用它表示永久失败，消息不再重投
var ErrReject = errors.New("message rejected")

// Broker 消息代理抽象。所有消息JSON序列化；Publish以布尔值报告结果，
// 发布失败不抛错，便于生产侧的简单处理。
type Broker interface {
	// Publish 发布消息到指定队列，message会被JSON序列化
	Publish(queue string, message interface{}, persistent bool) bool
	// DeclareQueue 声明队列（幂等）
	DeclareQueue(name string, durable, exclusive, autoDelete bool) error
	// Consume 阻塞消费指定队列，直到ctx取消
	Consume(ctx context.Context, queue string, handler Handler, prefetch int) error
	// QueueDepth 返回队列中未处理的消息数（无法获取时返回-1）
	QueueDepth(queue string) int64
	// HealthCheck 检查代理连通性
	HealthCheck() bool
	// CloseAll 关闭所有连接
	CloseAll()
}
