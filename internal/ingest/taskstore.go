package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aihub/vector-go/internal/config"
)

// ErrTaskNotFound 任务不存在
var ErrTaskNotFound = fmt.Errorf("任务不存在")

// TaskStore 任务记录存储接口
type TaskStore interface {
	// CreateTask 保存新任务，同一内容key已存在未失败任务时返回已有任务ID
	CreateTask(ctx context.Context, task *Task) (existingID string, err error)
	// UpdateStatus 推进任务状态（拒绝非法迁移）
	UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error
	// SetVectorCount 记录任务产出的向量数
	SetVectorCount(ctx context.Context, taskID string, count int) error
	// GetTask 查询任务
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// ListTasks 按创建时间倒序列出任务。status为空表示不过滤状态，
	// offset跳过前面的记录用于分页。
	ListTasks(ctx context.Context, status Status, limit, offset int) ([]*Task, error)
}

// FileTaskStore 基于本地文件的任务存储。
// 每个任务一个JSON文件，keys目录保存内容key到任务ID的映射用于去重。
type FileTaskStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileTaskStore 创建文件任务存储
func NewFileTaskStore(dir string) (*FileTaskStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "keys"), 0o755); err != nil {
		return nil, fmt.Errorf("创建任务目录失败: %w", err)
	}
	return &FileTaskStore{dir: dir}, nil
}

func (s *FileTaskStore) taskPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

func (s *FileTaskStore) keyPath(contentKey string) string {
	return filepath.Join(s.dir, "keys", contentKey)
}

func (s *FileTaskStore) readTask(taskID string) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("读取任务记录失败: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("解析任务记录失败: %w", err)
	}
	return &task, nil
}

func (s *FileTaskStore) writeTask(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}
	tmp := s.taskPath(task.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入任务记录失败: %w", err)
	}
	return os.Rename(tmp, s.taskPath(task.TaskID))
}

func (s *FileTaskStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contentKey := ContentKey(task.SourceRef, task.ContentHash, task.Metadata)
	if data, err := os.ReadFile(s.keyPath(contentKey)); err == nil {
		existingID := strings.TrimSpace(string(data))
		if existing, err := s.readTask(existingID); err == nil && existing.Status != StatusFailed {
			return existingID, nil
		}
		// 已失败的任务允许重新提交
	}

	if err := s.writeTask(task); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.keyPath(contentKey), []byte(task.TaskID), 0o644); err != nil {
		return "", fmt.Errorf("写入内容key映射失败: %w", err)
	}
	return "", nil
}

func (s *FileTaskStore) UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == status {
		return nil
	}
	if !CanTransition(task.Status, status) {
		return fmt.Errorf("非法状态迁移: %s -> %s", task.Status, status)
	}
	task.Status = status
	task.Error = errMsg
	task.UpdatedAt = time.Now()
	return s.writeTask(task)
}

func (s *FileTaskStore) SetVectorCount(ctx context.Context, taskID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	task.VectorCount = count
	task.UpdatedAt = time.Now()
	return s.writeTask(task)
}

func (s *FileTaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTask(taskID)
}

func (s *FileTaskStore) ListTasks(ctx context.Context, status Status, limit, offset int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("读取任务目录失败: %w", err)
	}

	var tasks []*Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		task, err := s.readTask(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return pageTasks(tasks, limit, offset), nil
}

// pageTasks 对倒序任务列表应用offset和limit
func pageTasks(tasks []*Task, limit, offset int) []*Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// RedisTaskStore 基于Redis的任务存储，多实例部署时共享任务状态
type RedisTaskStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTaskStore 创建Redis任务存储
func NewRedisTaskStore(cfg config.RedisConfig) (*RedisTaskStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Host + ":" + cfg.Port,
		DB:   cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	return &RedisTaskStore{client: client, prefix: "vector:task:"}, nil
}

func (s *RedisTaskStore) taskKey(taskID string) string { return s.prefix + taskID }
func (s *RedisTaskStore) contentKey(key string) string { return s.prefix + "key:" + key }
func (s *RedisTaskStore) indexKey() string             { return s.prefix + "created" }

func (s *RedisTaskStore) readTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取任务记录失败: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("解析任务记录失败: %w", err)
	}
	return &task, nil
}

func (s *RedisTaskStore) writeTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}
	return s.client.Set(ctx, s.taskKey(task.TaskID), data, 0).Err()
}

func (s *RedisTaskStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	contentKey := ContentKey(task.SourceRef, task.ContentHash, task.Metadata)
	existingID, err := s.client.Get(ctx, s.contentKey(contentKey)).Result()
	if err == nil && existingID != "" {
		if existing, err := s.readTask(ctx, existingID); err == nil && existing.Status != StatusFailed {
			return existingID, nil
		}
	}

	if err := s.writeTask(ctx, task); err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.contentKey(contentKey), task.TaskID, 0).Err(); err != nil {
		return "", fmt.Errorf("写入内容key映射失败: %w", err)
	}
	score := float64(task.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: task.TaskID}).Err(); err != nil {
		return "", fmt.Errorf("写入任务索引失败: %w", err)
	}
	return "", nil
}

func (s *RedisTaskStore) UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == status {
		return nil
	}
	if !CanTransition(task.Status, status) {
		return fmt.Errorf("非法状态迁移: %s -> %s", task.Status, status)
	}
	task.Status = status
	task.Error = errMsg
	task.UpdatedAt = time.Now()
	return s.writeTask(ctx, task)
}

func (s *RedisTaskStore) SetVectorCount(ctx context.Context, taskID string, count int) error {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.VectorCount = count
	task.UpdatedAt = time.Now()
	return s.writeTask(ctx, task)
}

func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return s.readTask(ctx, taskID)
}

func (s *RedisTaskStore) ListTasks(ctx context.Context, status Status, limit, offset int) ([]*Task, error) {
	// 按状态过滤时无法在Redis侧分页，取全量后在内存中过滤
	start, stop := int64(offset), int64(-1)
	if status != "" {
		start = 0
	} else if limit > 0 {
		stop = start + int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("读取任务索引失败: %w", err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.readTask(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	if status != "" {
		tasks = pageTasks(tasks, limit, offset)
	}
	return tasks, nil
}
