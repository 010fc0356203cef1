package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/index"
	"github.com/aihub/vector-go/internal/logger"
	"github.com/aihub/vector-go/internal/metrics"
)

// HealthStatus 索引健康状态
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusWarning   HealthStatus = "warning"
	StatusCorrupted HealthStatus = "corrupted"
	StatusMissing   HealthStatus = "missing"
	StatusError     HealthStatus = "error"
)

// 健康检查的探测检索必须在该时限内完成
const probeTimeout = time.Second

// 留存的历史记录条数
const (
	healthHistorySize = 100
	vacuumHistorySize = 50
)

// HealthReport 一次健康检查的结果
type HealthReport struct {
	Status        HealthStatus  `json:"status"`
	Ntotal        int64         `json:"ntotal"`
	Fragmentation float64       `json:"fragmentation"`
	Elapsed       time.Duration `json:"elapsed"`
	CheckedAt     time.Time     `json:"checked_at"`
	Detail        string        `json:"detail,omitempty"`
}

// VacuumRecord 一次vacuum的结果
type VacuumRecord struct {
	At            time.Time     `json:"at"`
	Before        int64         `json:"before"`
	After         int64         `json:"after"`
	Fragmentation float64       `json:"fragmentation"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Monitor 索引健康监控。周期性检查索引可用性，
// 碎片率超过阈值且距离上次整理足够久时触发vacuum。
type Monitor struct {
	store   *index.Store
	cfg     config.MonitorConfig
	metrics *metrics.Metrics
	log     *zap.Logger
	rng     *rand.Rand

	mu         sync.Mutex
	healthLog  []HealthReport
	vacuumLog  []VacuumRecord
	lastVacuum time.Time
	stateFile  string
}

// monitorState 持久化的监控状态：上次vacuum时间和历史记录，
// 进程重启后可继续查询
type monitorState struct {
	LastVacuum time.Time      `json:"last_vacuum"`
	HealthLog  []HealthReport `json:"health_log,omitempty"`
	VacuumLog  []VacuumRecord `json:"vacuum_log,omitempty"`
}

// NewMonitor 创建监控器
func NewMonitor(store *index.Store, cfg config.MonitorConfig, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		store:     store,
		cfg:       cfg,
		metrics:   m,
		log:       logger.Named("monitor"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stateFile: store.Path() + ".monitor.json",
	}
	mon.loadState()
	return mon
}

func (m *Monitor) loadState() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return
	}
	var st monitorState
	if err := json.Unmarshal(data, &st); err == nil {
		m.lastVacuum = st.LastVacuum
		m.healthLog = st.HealthLog
		m.vacuumLog = st.VacuumLog
	}
}

func (m *Monitor) saveStateLocked() {
	data, err := json.Marshal(monitorState{
		LastVacuum: m.lastVacuum,
		HealthLog:  m.healthLog,
		VacuumLog:  m.vacuumLog,
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(m.stateFile, data, 0o644); err != nil {
		m.log.Warn("写入监控状态失败", zap.Error(err))
	}
}

// Run 阻塞运行监控循环，直到ctx取消。
// 索引文件被外部进程改写时（fsnotify）立即触发一次检查。
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	var watchEvents <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("创建文件监听失败，仅按周期检查", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(m.store.Path()); err != nil {
			// 索引文件可能尚未创建，首次写入后由周期检查覆盖
			m.log.Debug("监听索引文件失败", zap.Error(err))
		}
		watchEvents = watcher.Events
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("监控退出")
			return
		case <-ticker.C:
			m.tick(ctx)
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.log.Info("检测到索引文件变更", zap.String("file", ev.Name))
				m.tick(ctx)
			}
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	report := m.CheckIndexHealth(ctx)
	if report.Status == StatusMissing && report.Ntotal == 0 {
		// 索引文件尚未产生，等首次写入
		return
	}
	if report.Status != StatusHealthy {
		m.log.Warn("索引健康检查异常",
			zap.String("status", string(report.Status)),
			zap.String("detail", report.Detail))
		return
	}
	if m.ShouldVacuum(report.Fragmentation) {
		if _, err := m.VacuumIndex(); err != nil {
			m.log.Error("vacuum失败", zap.Error(err))
		}
	}
}

// CheckIndexHealth 执行一次健康检查并记录结果
func (m *Monitor) CheckIndexHealth(ctx context.Context) HealthReport {
	start := time.Now()
	report := HealthReport{
		Status:        StatusHealthy,
		Ntotal:        m.store.GetTotal(),
		Fragmentation: m.store.Fragmentation(),
		CheckedAt:     start,
	}

	if _, serr := os.Stat(m.store.Path()); os.IsNotExist(serr) {
		report.Status = StatusMissing
		if report.Ntotal > 0 {
			report.Detail = fmt.Sprintf("索引文件丢失，内存中仍有%d条向量", report.Ntotal)
		}
	} else if err := m.DetectCorruption(); err != nil {
		report.Status = StatusCorrupted
		report.Detail = err.Error()
	} else if err := m.probeSearch(ctx); err != nil {
		if ctx.Err() != nil {
			report.Status = StatusError
		} else {
			report.Status = StatusWarning
		}
		report.Detail = err.Error()
	}

	report.Elapsed = time.Since(start)
	if m.metrics != nil {
		m.metrics.HealthCheckTotal.WithLabelValues(string(report.Status)).Inc()
		m.metrics.IndexVectors.Set(float64(report.Ntotal))
	}

	m.mu.Lock()
	m.healthLog = appendBounded(m.healthLog, report, healthHistorySize)
	m.saveStateLocked()
	m.mu.Unlock()
	return report
}

// DetectCorruption 两阶段损坏检测：先校验文件头，再做完整的结构化加载。
// 索引文件尚不存在（还没有任何写入）不算损坏。
func (m *Monitor) DetectCorruption() error {
	path := m.store.Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	h, err := index.ReadHeader(path)
	if err != nil {
		return fmt.Errorf("文件头损坏: %w", err)
	}
	if h.Dimension != uint32(m.store.Dimension()) {
		return fmt.Errorf("文件头维度%d与运行维度%d不一致", h.Dimension, m.store.Dimension())
	}
	if h.Kind == index.KindIVF && h.ParamA == 0 {
		return fmt.Errorf("IVF索引nlist为0")
	}

	if _, err := index.ReadFile(path); err != nil {
		return fmt.Errorf("索引数据段损坏: %w", err)
	}
	return nil
}

// probeSearch 用随机向量做一次探测检索，超时或报错视为降级
func (m *Monitor) probeSearch(ctx context.Context) error {
	if m.store.GetTotal() == 0 {
		return nil
	}

	query := make([]float32, m.store.Dimension())
	for i := range query {
		query[i] = m.rng.Float32()
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := m.store.Search(query, 1)
		done <- err
	}()

	timer := time.NewTimer(probeTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("探测检索失败: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("探测检索超时（超过%s）", probeTimeout)
	}
}

// ShouldVacuum 判断是否达到vacuum条件：
// 碎片率超过阈值，且距上次vacuum超过配置的最小间隔
func (m *Monitor) ShouldVacuum(fragmentation float64) bool {
	if fragmentation <= m.cfg.VacuumThreshold {
		return false
	}
	m.mu.Lock()
	last := m.lastVacuum
	m.mu.Unlock()

	minGap := time.Duration(m.cfg.VacuumInterval) * time.Hour
	return time.Since(last) >= minGap
}

// VacuumIndex 执行一次索引整理并记录结果
func (m *Monitor) VacuumIndex() (VacuumRecord, error) {
	start := time.Now()
	frag := m.store.Fragmentation()
	m.log.Info("开始vacuum",
		zap.Float64("fragmentation", frag),
		zap.Int64("ntotal", m.store.GetTotal()))

	before, after, err := m.store.Vacuum()
	if err != nil {
		return VacuumRecord{}, err
	}

	record := VacuumRecord{
		At:            start,
		Before:        before,
		After:         after,
		Fragmentation: frag,
		Elapsed:       time.Since(start),
	}

	m.mu.Lock()
	m.vacuumLog = appendBounded(m.vacuumLog, record, vacuumHistorySize)
	m.lastVacuum = start
	m.saveStateLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.VacuumTotal.Inc()
	}
	m.log.Info("vacuum完成",
		zap.Int64("before", before),
		zap.Int64("after", after),
		zap.Duration("elapsed", record.Elapsed))
	return record, nil
}

// RecentHealth 返回最近的健康检查记录（新到旧）
func (m *Monitor) RecentHealth() []HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HealthReport, len(m.healthLog))
	for i, r := range m.healthLog {
		out[len(m.healthLog)-1-i] = r
	}
	return out
}

// RecentVacuums 返回最近的vacuum记录（新到旧）
func (m *Monitor) RecentVacuums() []VacuumRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VacuumRecord, len(m.vacuumLog))
	for i, r := range m.vacuumLog {
		out[len(m.vacuumLog)-1-i] = r
	}
	return out
}

func appendBounded[T any](log []T, item T, max int) []T {
	log = append(log, item)
	if len(log) > max {
		log = log[len(log)-max:]
	}
	return log
}
