package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/broker"
	"github.com/aihub/vector-go/internal/embedding"
	"github.com/aihub/vector-go/internal/index"
	"github.com/aihub/vector-go/internal/logger"
	"github.com/aihub/vector-go/internal/metrics"
	"github.com/aihub/vector-go/internal/parser"
)

// Worker 文件处理消费者。从处理队列取消息，解析文件、向量化、写入索引。
// 外部向量化调用由熔断器保护，失败按退避策略重试。
type Worker struct {
	id            int
	broker        broker.Broker
	store         TaskStore
	parser        *parser.Manager
	embedder      embedding.Service
	indexStore    *index.Store
	breaker       *CircuitBreaker
	retry         *RetryPolicy
	metrics       *metrics.Metrics
	processQueue  string
	trackingQueue string
	prefetch      int
	running       int32
	log           *zap.Logger
}

// WorkerDeps 创建worker所需的共享依赖
type WorkerDeps struct {
	Broker        broker.Broker
	Store         TaskStore
	Parser        *parser.Manager
	Embedder      embedding.Service
	IndexStore    *index.Store
	Metrics       *metrics.Metrics
	ProcessQueue  string
	TrackingQueue string
	Worker        WorkerSettings
}

// WorkerSettings worker级别的熔断与重试参数
type WorkerSettings struct {
	Prefetch         int
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	BackoffFactor    float64
	MaxDelay         time.Duration
}

// NewWorker 创建worker，每个worker持有独立的熔断器
func NewWorker(id int, deps WorkerDeps) *Worker {
	name := fmt.Sprintf("worker-%d", id)
	cb := NewCircuitBreaker(name, deps.Worker.FailureThreshold, deps.Worker.ResetTimeout)
	if deps.Metrics != nil {
		cb.OnStateChange(func(n string, s CircuitBreakerState) {
			deps.Metrics.BreakerState.WithLabelValues(n).Set(float64(s))
		})
	}
	return &Worker{
		id:            id,
		broker:        deps.Broker,
		store:         deps.Store,
		parser:        deps.Parser,
		embedder:      deps.Embedder,
		indexStore:    deps.IndexStore,
		breaker:       cb,
		retry:         NewRetryPolicy(deps.Worker.MaxRetries, deps.Worker.RetryDelay, deps.Worker.BackoffFactor, deps.Worker.MaxDelay),
		metrics:       deps.Metrics,
		processQueue:  deps.ProcessQueue,
		trackingQueue: deps.TrackingQueue,
		prefetch:      deps.Worker.Prefetch,
		log:           logger.Named(name),
	}
}

// Run 阻塞消费处理队列，直到ctx取消或消费循环异常退出
func (w *Worker) Run(ctx context.Context) error {
	atomic.StoreInt32(&w.running, 1)
	defer atomic.StoreInt32(&w.running, 0)

	w.log.Info("worker启动", zap.String("queue", w.processQueue))
	return w.broker.Consume(ctx, w.processQueue, w.handle, w.prefetch)
}

// Alive worker消费循环是否仍在运行
func (w *Worker) Alive() bool {
	return atomic.LoadInt32(&w.running) == 1
}

// Breaker 返回worker的熔断器
func (w *Worker) Breaker() *CircuitBreaker {
	return w.breaker
}

// handle 处理一条队列消息
func (w *Worker) handle(ctx context.Context, d *broker.Delivery) error {
	var payload FilePayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		w.log.Error("消息体解析失败，丢弃消息", zap.Error(err))
		return broker.ErrReject
	}
	if payload.TaskID == "" || len(payload.Content) == 0 {
		w.log.Error("消息缺少必要字段，丢弃消息", zap.String("task_id", payload.TaskID))
		return broker.ErrReject
	}

	w.setStatus(ctx, payload.TaskID, StatusProcessing, "")

	// 解析与文本提取是确定性的，失败即永久失败，不重试
	units, err := w.extract(&payload)
	if err != nil {
		w.fail(ctx, payload.TaskID, err)
		return broker.ErrReject
	}

	// 向量化与写入受熔断保护并重试
	var count int
	err = w.retry.Do(ctx, w.log, func() error {
		return w.breaker.Call(func() error {
			n, ierr := w.embedAndIndex(ctx, &payload, units)
			if ierr == nil {
				count = n
			}
			return ierr
		})
	})
	if err != nil {
		if err == ErrCircuitOpen {
			// 熔断打开，消息保留等恢复后重投
			w.log.Warn("熔断器打开，任务延后处理", zap.String("task_id", payload.TaskID))
			return err
		}
		w.fail(ctx, payload.TaskID, err)
		return broker.ErrReject
	}

	if serr := w.store.SetVectorCount(ctx, payload.TaskID, count); serr != nil {
		w.log.Warn("记录向量数失败", zap.Error(serr))
	}
	w.setStatus(ctx, payload.TaskID, StatusCompleted, "")
	if w.metrics != nil {
		w.metrics.TasksTotal.WithLabelValues(string(StatusCompleted)).Inc()
		w.metrics.IndexVectors.Set(float64(w.indexStore.GetTotal()))
	}
	w.log.Info("任务处理完成",
		zap.String("task_id", payload.TaskID),
		zap.Int("vectors", count))
	return nil
}

// extract 解析文件内容并提取文本单元
func (w *Worker) extract(payload *FilePayload) ([]string, error) {
	text, err := w.parser.ParseFile(bytes.NewReader(payload.Content), payload.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("解析文件失败: %w", err)
	}
	units, err := w.parser.ExtractTextUnits(payload.SourceRef, text)
	if err != nil {
		return nil, err
	}
	return units, nil
}

// embedAndIndex 批量向量化并写入索引，返回写入的向量数
func (w *Worker) embedAndIndex(ctx context.Context, payload *FilePayload, units []string) (int, error) {
	start := time.Now()
	vectors, err := w.embedder.EmbedBatch(ctx, units)
	if err != nil {
		return 0, err
	}
	if w.metrics != nil {
		w.metrics.EmbedDuration.Observe(time.Since(start).Seconds())
	}

	docIDs := make([]string, len(vectors))
	for i := range vectors {
		docIDs[i] = fmt.Sprintf("%s#%d", payload.TaskID, i)
	}
	if err := w.indexStore.AddBatch(vectors, docIDs); err != nil {
		return 0, fmt.Errorf("写入索引失败: %w", err)
	}
	return len(vectors), nil
}

func (w *Worker) fail(ctx context.Context, taskID string, cause error) {
	w.setStatus(ctx, taskID, StatusFailed, cause.Error())
	if w.metrics != nil {
		w.metrics.TasksTotal.WithLabelValues(string(StatusFailed)).Inc()
	}
	w.log.Error("任务处理失败", zap.String("task_id", taskID), zap.Error(cause))
}

func (w *Worker) setStatus(ctx context.Context, taskID string, status Status, errMsg string) {
	if err := w.store.UpdateStatus(ctx, taskID, status, errMsg); err != nil {
		w.log.Warn("更新任务状态失败",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	event := TaskEvent{TaskID: taskID, Status: status, Error: errMsg, Timestamp: time.Now()}
	if !w.broker.Publish(w.trackingQueue, event, false) {
		w.log.Warn("发布任务跟踪事件失败", zap.String("task_id", taskID))
	}
}
