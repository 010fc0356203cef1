package bootstrap

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/dig"

	"github.com/aihub/vector-go/internal/broker"
	"github.com/aihub/vector-go/internal/builder"
	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/embedding"
	"github.com/aihub/vector-go/internal/index"
	"github.com/aihub/vector-go/internal/ingest"
	"github.com/aihub/vector-go/internal/metrics"
	"github.com/aihub/vector-go/internal/monitor"
	"github.com/aihub/vector-go/internal/parser"
	"github.com/aihub/vector-go/internal/services"
	"github.com/aihub/vector-go/internal/version"
)

// BuildContainer 组装依赖注入容器
func BuildContainer(cfg *config.Config) (*dig.Container, error) {
	c := dig.New()

	constructors := []interface{}{
		func() *config.Config { return cfg },
		func() *metrics.Metrics { return metrics.NewMetrics() },
		newBroker,
		newTaskStore,
		newIndexStore,
		newEmbedder,
		func() *parser.Manager { return parser.NewManager() },
		newProducer,
		newSupervisor,
		newBuilder,
		newMonitor,
		newVersionManager,
		newVectorService,
	}
	for _, ctor := range constructors {
		if err := c.Provide(ctor); err != nil {
			return nil, fmt.Errorf("注册依赖失败: %w", err)
		}
	}
	return c, nil
}

func newBroker(cfg *config.Config) broker.Broker {
	if !cfg.Kafka.Enabled {
		return broker.NewMemoryBroker()
	}
	return broker.NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.MaxConnections)
}

func newTaskStore(cfg *config.Config) (ingest.TaskStore, error) {
	if cfg.TaskStore.Backend == "redis" {
		return ingest.NewRedisTaskStore(cfg.Redis)
	}
	return ingest.NewFileTaskStore(cfg.TaskStore.Dir)
}

// indexPath 当前激活模型版本的索引文件路径
func indexPath(cfg *config.Config) string {
	return filepath.Join(cfg.Index.Dir, cfg.Index.ActiveModel, "index.vxi")
}

func newIndexStore(cfg *config.Config) (*index.Store, error) {
	kind, err := index.ParseKind(cfg.Index.Kind)
	if err != nil {
		return nil, err
	}
	opts := index.DefaultOptions()
	if cfg.Builder.IVFNlist > 0 {
		opts.Nlist = cfg.Builder.IVFNlist
	}
	if cfg.Builder.HNSWM > 0 {
		opts.M = cfg.Builder.HNSWM
	}
	if cfg.Builder.HNSWEfCons > 0 {
		opts.EfConstruction = cfg.Builder.HNSWEfCons
	}
	return index.NewStore(indexPath(cfg), cfg.Index.Dimension, kind, opts)
}

func newEmbedder(cfg *config.Config) (embedding.Service, error) {
	return embedding.NewFromConfig(cfg.Embedding)
}

func newProducer(cfg *config.Config, b broker.Broker, store ingest.TaskStore) (*ingest.Producer, error) {
	return ingest.NewProducer(b, store, cfg.Kafka)
}

func newSupervisor(cfg *config.Config, b broker.Broker, store ingest.TaskStore, pm *parser.Manager,
	emb embedding.Service, idx *index.Store, m *metrics.Metrics) *ingest.Supervisor {
	w := config.WorkerDefaults
	deps := ingest.WorkerDeps{
		Broker:        b,
		Store:         store,
		Parser:        pm,
		Embedder:      emb,
		IndexStore:    idx,
		Metrics:       m,
		ProcessQueue:  cfg.Kafka.ProcessQueue,
		TrackingQueue: cfg.Kafka.TrackingQueue,
		Worker: ingest.WorkerSettings{
			Prefetch:         w.Prefetch,
			FailureThreshold: w.FailureThreshold,
			ResetTimeout:     time.Duration(w.ResetTimeout) * time.Second,
			MaxRetries:       w.MaxRetries,
			RetryDelay:       time.Duration(w.RetryDelay) * time.Second,
			BackoffFactor:    w.BackoffFactor,
			MaxDelay:         time.Duration(w.MaxDelay) * time.Second,
		},
	}
	return ingest.NewSupervisor(deps, w.Count, 30*time.Second)
}

func newBuilder(cfg *config.Config) *builder.Builder {
	return builder.NewBuilder(builder.NewLocalTaskRunner(cfg.Builder.MaxWorkers), cfg.Builder)
}

func newMonitor(cfg *config.Config, idx *index.Store, m *metrics.Metrics) *monitor.Monitor {
	return monitor.NewMonitor(idx, cfg.Monitor, m)
}

func newVersionManager(cfg *config.Config) (*version.Manager, error) {
	repoDir := cfg.Version.RepoDir
	if repoDir == "" {
		repoDir = filepath.Join(cfg.Index.Dir, "versions")
	}
	return version.NewManager(repoDir)
}

func newVectorService(cfg *config.Config, p *ingest.Producer, store ingest.TaskStore, idx *index.Store,
	emb embedding.Service, b broker.Broker, mon *monitor.Monitor, vm *version.Manager,
	sup *ingest.Supervisor, m *metrics.Metrics) *services.VectorService {
	return services.NewVectorService(services.VectorServiceParams{
		Producer:   p,
		TaskStore:  store,
		IndexStore: idx,
		Embedder:   emb,
		Broker:     b,
		Monitor:    mon,
		Versions:   vm,
		Supervisor: sup,
		Metrics:    m,
		Kafka:      cfg.Kafka,
	})
}
