package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/bootstrap"
	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/ingest"
	"github.com/aihub/vector-go/internal/logger"
	"github.com/aihub/vector-go/internal/metrics"
	"github.com/aihub/vector-go/internal/monitor"
	"github.com/aihub/vector-go/internal/services"
)

func main() {
	if err := logger.InitLogger(); err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("加载配置失败", zap.Error(err))
	}

	container, err := bootstrap.BuildContainer(cfg)
	if err != nil {
		logger.Fatal("初始化依赖失败", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = container.Invoke(func(sup *ingest.Supervisor, mon *monitor.Monitor, svc *services.VectorService, m *metrics.Metrics) error {
		go sup.Run(ctx)
		if cfg.Monitor.Enabled {
			go mon.Run(ctx)
		}

		srv := metricsServer(cfg.Server.MetricsPort, svc, m)
		go func() {
			logger.Info("指标服务启动", zap.String("port", cfg.Server.MetricsPort))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("指标服务退出", zap.Error(err))
			}
		}()

		logger.Info("vectord已启动",
			zap.String("index_kind", cfg.Index.Kind),
			zap.Int("dimension", cfg.Index.Dimension))
		<-ctx.Done()

		logger.Info("收到退出信号，开始停机")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err != nil {
		logger.Fatal("服务运行失败", zap.Error(err))
	}
	logger.Info("vectord已退出")
}

// metricsServer 暴露prometheus指标和就绪探针
func metricsServer(port string, svc *services.VectorService, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		readiness := svc.Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !readiness.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(readiness)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := svc.CheckIndexHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == "corrupted" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	return &http.Server{Addr: ":" + port, Handler: mux}
}
