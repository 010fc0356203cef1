package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/logger"
)

// Supervisor 固定大小的worker池监督者。
// 定期巡检worker存活状态，消费循环退出的worker会被新实例替换。
type Supervisor struct {
	deps          WorkerDeps
	count         int
	checkInterval time.Duration

	mu      sync.Mutex
	workers map[int]*Worker
	nextID  int
	log     *zap.Logger
}

// NewSupervisor 创建监督者
func NewSupervisor(deps WorkerDeps, count int, checkInterval time.Duration) *Supervisor {
	if count <= 0 {
		count = 3
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Supervisor{
		deps:          deps,
		count:         count,
		checkInterval: checkInterval,
		workers:       make(map[int]*Worker),
		log:           logger.Named("supervisor"),
	}
}

// Run 启动worker池并阻塞巡检，直到ctx取消
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	for i := 0; i < s.count; i++ {
		s.spawnLocked(ctx, i)
	}
	s.nextID = s.count
	s.mu.Unlock()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("监督者退出")
			return
		case <-ticker.C:
			s.replaceDead(ctx)
		}
	}
}

// spawnLocked 启动一个worker，调用方需持有s.mu。
// 存活位在goroutine调度之前就置位，避免巡检把刚拉起的worker当成死亡重启
func (s *Supervisor) spawnLocked(ctx context.Context, slot int) {
	w := NewWorker(slot, s.deps)
	atomic.StoreInt32(&w.running, 1)
	s.workers[slot] = w
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("worker消费循环退出", zap.Int("worker", slot), zap.Error(err))
		}
	}()
}

// replaceDead 替换已死亡的worker
func (s *Supervisor) replaceDead(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot, w := range s.workers {
		if !w.Alive() {
			s.log.Warn("发现死亡worker，重新拉起", zap.Int("worker", slot))
			s.spawnLocked(ctx, slot)
		}
	}
}

// BreakerStates 返回每个worker的熔断器状态
func (s *Supervisor) BreakerStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]string, len(s.workers))
	for _, w := range s.workers {
		stats := w.Breaker().GetStats()
		states[stats["name"].(string)] = w.Breaker().GetState().String()
	}
	return states
}
