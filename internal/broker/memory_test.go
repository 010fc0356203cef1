package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerPublishConsume(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.DeclareQueue("q", true, false, false))

	type msg struct {
		Value string `json:"value"`
	}
	require.True(t, b.Publish("q", msg{Value: "hello"}, true))
	assert.Equal(t, int64(1), b.QueueDepth("q"))

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan msg, 1)
	go func() {
		_ = b.Consume(ctx, "q", func(ctx context.Context, d *Delivery) error {
			var m msg
			if err := json.Unmarshal(d.Body, &m); err != nil {
				return err
			}
			received <- m
			return nil
		}, 1)
	}()

	select {
	case m := <-received:
		assert.Equal(t, "hello", m.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("消息未被消费")
	}
	cancel()
}

func TestMemoryBrokerRequeueOnError(t *testing.T) {
	b := NewMemoryBroker()
	require.True(t, b.Publish("q", map[string]string{"k": "v"}, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, "q", func(ctx context.Context, d *Delivery) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return assert.AnError // 处理失败，重投
			}
			close(done)
			return nil
		}, 1)
	}()

	select {
	case <-done:
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	case <-time.After(2 * time.Second):
		t.Fatal("消息未被重投")
	}
}

func TestMemoryBrokerRejectToFailedQueue(t *testing.T) {
	b := NewMemoryBroker()
	require.True(t, b.Publish("q", map[string]string{"k": "v"}, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = b.Consume(ctx, "q", func(ctx context.Context, d *Delivery) error {
			return ErrReject
		}, 1)
	}()

	// 被拒绝的消息进入死信队列，不再重投
	require.Eventually(t, func() bool {
		return b.QueueDepth("q.failed") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), b.QueueDepth("q"))
}

func TestMemoryBrokerHealthCheck(t *testing.T) {
	b := NewMemoryBroker()
	assert.True(t, b.HealthCheck())
	b.CloseAll()
	assert.False(t, b.HealthCheck())
}
