package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/broker"
	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/embedding"
	"github.com/aihub/vector-go/internal/index"
	"github.com/aihub/vector-go/internal/ingest"
	"github.com/aihub/vector-go/internal/logger"
	"github.com/aihub/vector-go/internal/metrics"
	"github.com/aihub/vector-go/internal/monitor"
	"github.com/aihub/vector-go/internal/version"
)

// SearchResult 一条检索结果
type SearchResult struct {
	DocID    string  `json:"doc_id"`
	Position int64   `json:"position"`
	Distance float32 `json:"distance"`
}

// Readiness 服务就绪状态快照
type Readiness struct {
	Ready         bool              `json:"ready"`
	IndexStatus   string            `json:"index_status"`
	VectorCount   int64             `json:"vector_count"`
	QueueDepth    int64             `json:"queue_depth"`
	BrokerHealthy bool              `json:"broker_healthy"`
	Breakers      map[string]string `json:"breakers,omitempty"`
}

// VectorService 对外的核心服务门面：提交文件、查询任务、语义检索、版本管理
type VectorService struct {
	producer   *ingest.Producer
	taskStore  ingest.TaskStore
	indexStore *index.Store
	embedder   embedding.Service
	broker     broker.Broker
	monitor    *monitor.Monitor
	versions   *version.Manager
	supervisor *ingest.Supervisor
	metrics    *metrics.Metrics
	queue      string
	log        *zap.Logger
}

// VectorServiceParams 构造VectorService的依赖
type VectorServiceParams struct {
	Producer   *ingest.Producer
	TaskStore  ingest.TaskStore
	IndexStore *index.Store
	Embedder   embedding.Service
	Broker     broker.Broker
	Monitor    *monitor.Monitor
	Versions   *version.Manager
	Supervisor *ingest.Supervisor
	Metrics    *metrics.Metrics
	Kafka      config.KafkaConfig
}

// NewVectorService 创建服务门面
func NewVectorService(p VectorServiceParams) *VectorService {
	return &VectorService{
		producer:   p.Producer,
		taskStore:  p.TaskStore,
		indexStore: p.IndexStore,
		embedder:   p.Embedder,
		broker:     p.Broker,
		monitor:    p.Monitor,
		versions:   p.Versions,
		supervisor: p.Supervisor,
		metrics:    p.Metrics,
		queue:      p.Kafka.ProcessQueue,
		log:        logger.Named("service"),
	}
}

// SubmitFile 提交文件处理任务，返回任务ID和是否新建
func (s *VectorService) SubmitFile(ctx context.Context, sourceRef string, content []byte, metadata map[string]string) (string, bool, error) {
	return s.producer.SubmitFile(ctx, sourceRef, content, metadata)
}

// GetTaskStatus 查询任务状态
func (s *VectorService) GetTaskStatus(ctx context.Context, taskID string) (*ingest.Task, error) {
	return s.taskStore.GetTask(ctx, taskID)
}

// ListTasks 按创建时间倒序列出任务，status为空表示不过滤
func (s *VectorService) ListTasks(ctx context.Context, status ingest.Status, limit, offset int) ([]*ingest.Task, error) {
	return s.taskStore.ListTasks(ctx, status, limit, offset)
}

// Search 语义检索：查询文本向量化后做k近邻
func (s *VectorService) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("查询文本为空")
	}
	if k <= 0 {
		k = 10
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}

	start := time.Now()
	dists, ids, err := s.indexStore.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("检索失败: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}

	results := make([]SearchResult, 0, len(ids))
	for i, id := range ids {
		if id < 0 {
			continue // 不足k个时的填充位
		}
		docID, _ := s.indexStore.DocID(id)
		results = append(results, SearchResult{
			DocID:    docID,
			Position: id,
			Distance: dists[i],
		})
	}
	return results, nil
}

// GetTotal 返回索引向量总数
func (s *VectorService) GetTotal() int64 {
	return s.indexStore.GetTotal()
}

// CommitVersion 把当前索引提交为新版本
func (s *VectorService) CommitVersion(version, description string) (string, error) {
	if err := s.indexStore.Save(); err != nil {
		return "", fmt.Errorf("持久化索引失败: %w", err)
	}
	return s.versions.CommitVersion(s.indexStore.Path(), version, description)
}

// ListVersions 列出全部索引版本
func (s *VectorService) ListVersions() ([]version.VersionInfo, error) {
	return s.versions.ListVersions()
}

// Rollback 回滚到指定版本并重新加载内存索引
func (s *VectorService) Rollback(ver string) (*version.VersionInfo, error) {
	info, err := s.versions.Rollback(ver, s.indexStore.Path())
	if err != nil {
		return nil, err
	}
	if err := s.indexStore.Load(); err != nil {
		return nil, fmt.Errorf("回滚后重新加载索引失败: %w", err)
	}
	s.log.Info("服务已切换到历史版本",
		zap.String("version", ver),
		zap.Int64("ntotal", s.indexStore.GetTotal()))
	return info, nil
}

// CheckIndexHealth 立即执行一次索引健康检查
func (s *VectorService) CheckIndexHealth(ctx context.Context) monitor.HealthReport {
	return s.monitor.CheckIndexHealth(ctx)
}

// Readiness 汇总服务就绪状态
func (s *VectorService) Readiness(ctx context.Context) Readiness {
	report := s.monitor.CheckIndexHealth(ctx)

	r := Readiness{
		IndexStatus:   string(report.Status),
		VectorCount:   report.Ntotal,
		BrokerHealthy: s.broker.HealthCheck(),
		QueueDepth:    s.broker.QueueDepth(s.queue),
	}
	if s.supervisor != nil {
		r.Breakers = s.supervisor.BreakerStates()
	}
	if s.metrics != nil && r.QueueDepth >= 0 {
		s.metrics.QueueDepth.Set(float64(r.QueueDepth))
	}
	r.Ready = r.BrokerHealthy && report.Status != monitor.StatusCorrupted
	return r
}
