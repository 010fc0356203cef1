package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/vector-go/internal/logger"
	"go.uber.org/zap"
)

// KafkaBroker 基于Kafka的消息代理实现。
// 维护一个有上限的SyncProducer连接池：借出时按需创建，
// 发送失败的producer直接关闭丢弃，下次借出时懒式重建。
type KafkaBroker struct {
	brokers        []string
	groupID        string
	maxConnections int

	mu        sync.Mutex
	producers []sarama.SyncProducer
	created   int
	closed    bool
}

// NewKafkaBroker 创建Kafka消息代理
func NewKafkaBroker(brokers []string, groupID string, maxConnections int) *KafkaBroker {
	if maxConnections <= 0 {
		maxConnections = 10
	}
	return &KafkaBroker{
		brokers:        brokers,
		groupID:        groupID,
		maxConnections: maxConnections,
	}
}

func (b *KafkaBroker) producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Timeout = 10 * time.Second
	return cfg
}

// getProducer 从池中借出一个producer，池空时按需创建。
// created统计所有存活连接（池中与借出中），达到上限后不再新建。
func (b *KafkaBroker) getProducer() (sarama.SyncProducer, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker已关闭")
	}
	if n := len(b.producers); n > 0 {
		p := b.producers[n-1]
		b.producers = b.producers[:n-1]
		b.mu.Unlock()
		return p, nil
	}
	if b.created >= b.maxConnections {
		b.mu.Unlock()
		return nil, fmt.Errorf("生产者连接已达上限%d", b.maxConnections)
	}
	b.created++
	b.mu.Unlock()

	p, err := sarama.NewSyncProducer(b.brokers, b.producerConfig())
	if err != nil {
		b.mu.Lock()
		b.created--
		b.mu.Unlock()
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}
	logger.Debug("创建新的Kafka生产者连接", zap.Strings("brokers", b.brokers))
	return p, nil
}

// putProducer 归还producer。broker已关闭或broken为真时关闭丢弃并释放配额。
func (b *KafkaBroker) putProducer(p sarama.SyncProducer, broken bool) {
	b.mu.Lock()
	if !broken && !b.closed {
		b.producers = append(b.producers, p)
		b.mu.Unlock()
		return
	}
	if b.created > 0 {
		b.created--
	}
	b.mu.Unlock()
	_ = p.Close()
}

// Publish 发布消息。失败返回false而非错误。
func (b *KafkaBroker) Publish(queue string, message interface{}, persistent bool) bool {
	data, err := json.Marshal(message)
	if err != nil {
		logger.Error("序列化消息失败", zap.String("queue", queue), zap.Error(err))
		return false
	}

	p, err := b.getProducer()
	if err != nil {
		logger.Error("获取Kafka生产者失败", zap.Error(err))
		return false
	}

	msg := &sarama.ProducerMessage{
		Topic: queue,
		Value: sarama.ByteEncoder(data),
	}
	// Kafka消息本身持久化到日志，persistent仅保留语义对齐
	partition, offset, err := p.SendMessage(msg)
	if err != nil {
		logger.Error("发送Kafka消息失败", zap.String("queue", queue), zap.Error(err))
		b.putProducer(p, true)
		return false
	}
	b.putProducer(p, false)

	logger.Debug("Kafka消息发送成功",
		zap.String("queue", queue),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return true
}

// DeclareQueue 声明队列。Kafka下映射为创建topic，已存在时幂等返回。
// exclusive/auto_delete在Kafka中没有对应语义，接受但忽略。
func (b *KafkaBroker) DeclareQueue(name string, durable, exclusive, autoDelete bool) error {
	admin, err := sarama.NewClusterAdmin(b.brokers, sarama.NewConfig())
	if err != nil {
		return fmt.Errorf("创建Kafka管理客户端失败: %w", err)
	}
	defer admin.Close()

	detail := &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: 1,
	}
	err = admin.CreateTopic(name, detail, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		return fmt.Errorf("声明队列%s失败: %w", name, err)
	}
	logger.Info("声明队列成功", zap.String("queue", name), zap.Bool("durable", durable))
	return nil
}

// Consume 阻塞消费。handler返回nil则标记offset；返回普通错误则不标记等待重投；
// 返回ErrReject则标记offset并将消息转入<queue>.failed死信队列。
func (b *KafkaBroker) Consume(ctx context.Context, queue string, handler Handler, prefetch int) error {
	cfg := sarama.NewConfig()
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	if prefetch > 0 {
		cfg.ChannelBufferSize = prefetch
	}

	group, err := sarama.NewConsumerGroup(b.brokers, b.groupID, cfg)
	if err != nil {
		return fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}
	defer group.Close()

	h := &groupHandler{broker: b, queue: queue, handler: handler}
	for {
		if err := group.Consume(ctx, []string{queue}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("消费消息失败", zap.String("queue", queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// QueueDepth 返回消费组在该topic上的滞后量
func (b *KafkaBroker) QueueDepth(queue string) int64 {
	client, err := sarama.NewClient(b.brokers, sarama.NewConfig())
	if err != nil {
		return -1
	}
	defer client.Close()

	partitions, err := client.Partitions(queue)
	if err != nil {
		return -1
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		return -1
	}
	resp, err := admin.ListConsumerGroupOffsets(b.groupID, map[string][]int32{queue: partitions})
	if err != nil {
		return -1
	}

	var depth int64
	for _, partition := range partitions {
		newest, err := client.GetOffset(queue, partition, sarama.OffsetNewest)
		if err != nil {
			continue
		}
		block := resp.GetBlock(queue, partition)
		if block == nil || block.Offset < 0 {
			depth += newest
			continue
		}
		if lag := newest - block.Offset; lag > 0 {
			depth += lag
		}
	}
	return depth
}

// HealthCheck 检查Kafka连通性
func (b *KafkaBroker) HealthCheck() bool {
	client, err := sarama.NewClient(b.brokers, sarama.NewConfig())
	if err != nil {
		logger.Warn("Kafka健康检查失败", zap.Error(err))
		return false
	}
	defer client.Close()
	broker, err := client.Controller()
	if err != nil {
		return false
	}
	ok, _ := broker.Connected()
	return ok
}

// CloseAll 关闭池中所有生产者连接
func (b *KafkaBroker) CloseAll() {
	b.mu.Lock()
	producers := b.producers
	b.producers = nil
	b.created = 0
	b.closed = true
	b.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	logger.Info("已关闭所有Kafka连接")
}

// groupHandler 消费者组处理器
type groupHandler struct {
	broker  *KafkaBroker
	queue   string
	handler Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			d := &Delivery{Queue: h.queue, Key: string(message.Key), Body: message.Value}
			err := h.handler(session.Context(), d)
			switch {
			case err == nil:
				session.MarkMessage(message, "")
			case errors.Is(err, ErrReject):
				// 永久失败：标记offset并转入死信队列
				session.MarkMessage(message, "")
				h.broker.Publish(h.queue+".failed", json.RawMessage(message.Value), true)
			default:
				// 不标记offset，等待重投
				logger.Error("处理消息失败",
					zap.String("queue", h.queue),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
