package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/broker"
	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/logger"
)

// Producer 任务生产者：创建任务记录并投递到处理队列
type Producer struct {
	broker        broker.Broker
	store         TaskStore
	processQueue  string
	trackingQueue string
	log           *zap.Logger
}

// NewProducer 创建生产者并声明所需队列
func NewProducer(b broker.Broker, store TaskStore, cfg config.KafkaConfig) (*Producer, error) {
	if err := b.DeclareQueue(cfg.ProcessQueue, true, false, false); err != nil {
		return nil, fmt.Errorf("声明处理队列失败: %w", err)
	}
	if err := b.DeclareQueue(cfg.TrackingQueue, true, false, false); err != nil {
		return nil, fmt.Errorf("声明跟踪队列失败: %w", err)
	}
	return &Producer{
		broker:        b,
		store:         store,
		processQueue:  cfg.ProcessQueue,
		trackingQueue: cfg.TrackingQueue,
		log:           logger.Named("producer"),
	}, nil
}

// SubmitFile 提交文件处理任务。相同内容的重复提交返回已有任务ID，
// 不产生新任务；返回值created指示本次是否创建了新任务。
func (p *Producer) SubmitFile(ctx context.Context, sourceRef string, content []byte, metadata map[string]string) (taskID string, created bool, err error) {
	if len(content) == 0 {
		return "", false, fmt.Errorf("文件内容为空: %s", sourceRef)
	}

	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(sourceRef)), ".")
	task := NewTask(sourceRef, content, metadata, fileType)

	existingID, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return "", false, fmt.Errorf("创建任务失败: %w", err)
	}
	if existingID != "" {
		p.log.Info("重复提交，返回已有任务",
			zap.String("task_id", existingID),
			zap.String("source_ref", sourceRef))
		return existingID, false, nil
	}

	payload := FilePayload{
		TaskID:    task.TaskID,
		SourceRef: sourceRef,
		FileType:  fileType,
		Content:   content,
		Metadata:  metadata,
	}
	if !p.broker.Publish(p.processQueue, payload, true) {
		// 投递失败的任务直接标记失败，调用方可重新提交
		_ = p.store.UpdateStatus(ctx, task.TaskID, StatusFailed, "投递到处理队列失败")
		p.publishEvent(task.TaskID, StatusFailed, "投递到处理队列失败")
		return "", false, fmt.Errorf("投递到处理队列失败: %s", sourceRef)
	}

	if err := p.store.UpdateStatus(ctx, task.TaskID, StatusQueued, ""); err != nil {
		return "", false, err
	}
	p.publishEvent(task.TaskID, StatusQueued, "")

	p.log.Info("任务已入队",
		zap.String("task_id", task.TaskID),
		zap.String("source_ref", sourceRef),
		zap.Int64("file_size", task.FileSize))
	return task.TaskID, true, nil
}

// publishEvent 向跟踪队列发布状态事件，失败只记日志不影响主流程
func (p *Producer) publishEvent(taskID string, status Status, errMsg string) {
	event := TaskEvent{
		TaskID:    taskID,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	if !p.broker.Publish(p.trackingQueue, event, false) {
		p.log.Warn("发布任务跟踪事件失败", zap.String("task_id", taskID))
	}
}
