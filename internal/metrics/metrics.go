package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 核心指标集合
type Metrics struct {
	Registry *prometheus.Registry

	TasksTotal       *prometheus.CounterVec // 按最终状态统计的任务数
	QueueDepth       prometheus.Gauge       // 处理队列深度
	IndexVectors     prometheus.Gauge       // 当前索引向量总数
	BreakerState     *prometheus.GaugeVec   // 每个worker的熔断器状态 0=closed 1=open 2=half-open
	VacuumTotal      prometheus.Counter     // vacuum执行次数
	SearchDuration   prometheus.Histogram   // 检索延迟
	EmbedDuration    prometheus.Histogram   // 向量化延迟
	HealthCheckTotal *prometheus.CounterVec // 按状态统计的健康检查次数
}

// NewMetrics 创建并注册指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vector",
			Name:      "tasks_total",
			Help:      "Number of ingestion tasks by final status",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vector",
			Name:      "queue_depth",
			Help:      "Pending messages in the file processing queue",
		}),
		IndexVectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vector",
			Name:      "index_vectors",
			Help:      "Total vectors in the live index",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vector",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per worker (0 closed, 1 open, 2 half-open)",
		}, []string{"worker"}),
		VacuumTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vector",
			Name:      "vacuum_total",
			Help:      "Number of completed vacuum operations",
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vector",
			Name:      "search_duration_seconds",
			Help:      "k-NN search latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		EmbedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vector",
			Name:      "embed_duration_seconds",
			Help:      "Embedding call latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		HealthCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vector",
			Name:      "health_checks_total",
			Help:      "Index health checks by resulting status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.TasksTotal, m.QueueDepth, m.IndexVectors, m.BreakerState,
		m.VacuumTotal, m.SearchDuration, m.EmbedDuration, m.HealthCheckTotal,
	)
	return m
}
