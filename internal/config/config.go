package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	Index     IndexConfig
	Builder   BuilderConfig
	Monitor   MonitorConfig
	Version   VersionConfig
	Embedding EmbeddingConfig
	TaskStore TaskStoreConfig
}

type ServerConfig struct {
	Env         string
	MetricsPort string
}

type KafkaConfig struct {
	Brokers        []string
	Enabled        bool
	ProcessQueue   string // 文件处理队列
	TrackingQueue  string // 任务状态跟踪队列
	GroupID        string
	MaxConnections int
}

type RedisConfig struct {
	Host    string
	Port    string
	DB      int
	Enabled bool
}

type IndexConfig struct {
	Dir         string // 索引根目录
	ActiveModel string // 当前激活的模型版本
	Dimension   int
	Kind        string // flat | ivf | hnsw
}

type BuilderConfig struct {
	ChunkSize  int
	MaxWorkers int
	IVFNlist   int
	HNSWM      int
	HNSWEfCons int
}

type MonitorConfig struct {
	Enabled             bool
	HealthCheckInterval int     // 秒
	VacuumThreshold     float64 // 碎片率阈值（百分比）
	VacuumInterval      int     // 两次vacuum之间的最小小时数
}

type VersionConfig struct {
	RepoDir string // 版本仓库目录（默认 Index.Dir/versions）
}

type EmbeddingConfig struct {
	Provider  string // openai | none
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

type TaskStoreConfig struct {
	Backend string // file | redis
	Dir     string
}

type WorkerConfig struct {
	Count            int
	Prefetch         int
	FailureThreshold int
	ResetTimeout     int // 秒
	MaxRetries       int
	RetryDelay       int // 秒
	BackoffFactor    float64
	MaxDelay         int // 秒
}

// Worker 消费者工作池配置
var WorkerDefaults = WorkerConfig{
	Count:            3,
	Prefetch:         1,
	FailureThreshold: 5,
	ResetTimeout:     60,
	MaxRetries:       3,
	RetryDelay:       5,
	BackoffFactor:    1.5,
	MaxDelay:         60,
}

var AppConfig *Config

// LoadConfig 加载配置（环境变量优先，支持.env文件）
func LoadConfig() (*Config, error) {
	// .env文件可选，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("VECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Env:         v.GetString("server.env"),
			MetricsPort: v.GetString("server.metrics_port"),
		},
		Kafka: KafkaConfig{
			Brokers:        v.GetStringSlice("kafka.brokers"),
			Enabled:        v.GetBool("kafka.enabled"),
			ProcessQueue:   v.GetString("kafka.process_queue"),
			TrackingQueue:  v.GetString("kafka.tracking_queue"),
			GroupID:        v.GetString("kafka.group_id"),
			MaxConnections: v.GetInt("kafka.max_connections"),
		},
		Redis: RedisConfig{
			Host:    v.GetString("redis.host"),
			Port:    v.GetString("redis.port"),
			DB:      v.GetInt("redis.db"),
			Enabled: v.GetBool("redis.enabled"),
		},
		Index: IndexConfig{
			Dir:         v.GetString("index.dir"),
			ActiveModel: v.GetString("index.active_model"),
			Dimension:   v.GetInt("index.dimension"),
			Kind:        v.GetString("index.kind"),
		},
		Builder: BuilderConfig{
			ChunkSize:  v.GetInt("builder.chunk_size"),
			MaxWorkers: v.GetInt("builder.max_workers"),
			IVFNlist:   v.GetInt("builder.ivf_nlist"),
			HNSWM:      v.GetInt("builder.hnsw_m"),
			HNSWEfCons: v.GetInt("builder.hnsw_ef_construction"),
		},
		Monitor: MonitorConfig{
			Enabled:             v.GetBool("monitor.enabled"),
			HealthCheckInterval: v.GetInt("monitor.health_check_interval"),
			VacuumThreshold:     v.GetFloat64("monitor.vacuum_threshold"),
			VacuumInterval:      v.GetInt("monitor.vacuum_interval"),
		},
		Version: VersionConfig{
			RepoDir: v.GetString("version.repo_dir"),
		},
		Embedding: EmbeddingConfig{
			Provider:  v.GetString("embedding.provider"),
			APIKey:    v.GetString("embedding.api_key"),
			BaseURL:   v.GetString("embedding.base_url"),
			Model:     v.GetString("embedding.model"),
			Dimension: v.GetInt("embedding.dimension"),
		},
		TaskStore: TaskStoreConfig{
			Backend: v.GetString("taskstore.backend"),
			Dir:     v.GetString("taskstore.dir"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.env", "development")
	v.SetDefault("server.metrics_port", "9102")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.process_queue", "file_processing")
	v.SetDefault("kafka.tracking_queue", "task_tracking")
	v.SetDefault("kafka.group_id", "vector-ingest")
	v.SetDefault("kafka.max_connections", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	v.SetDefault("index.dir", "./data/index")
	v.SetDefault("index.active_model", "v1")
	v.SetDefault("index.dimension", 1536)
	v.SetDefault("index.kind", "flat")

	v.SetDefault("builder.chunk_size", 10000)
	v.SetDefault("builder.max_workers", 4)
	v.SetDefault("builder.ivf_nlist", 100)
	v.SetDefault("builder.hnsw_m", 16)
	v.SetDefault("builder.hnsw_ef_construction", 40)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.health_check_interval", 60)
	v.SetDefault("monitor.vacuum_threshold", 20.0)
	v.SetDefault("monitor.vacuum_interval", 24)

	v.SetDefault("version.repo_dir", "")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)

	v.SetDefault("taskstore.backend", "file")
	v.SetDefault("taskstore.dir", "./data/tasks")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("索引维度必须大于0: %d", c.Index.Dimension)
	}
	switch c.Index.Kind {
	case "flat", "ivf", "hnsw":
	default:
		return fmt.Errorf("不支持的索引类型: %s", c.Index.Kind)
	}
	switch c.TaskStore.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("不支持的任务存储后端: %s", c.TaskStore.Backend)
	}
	return nil
}

// GetConfig 获取全局配置实例
func GetConfig() *Config {
	return AppConfig
}
