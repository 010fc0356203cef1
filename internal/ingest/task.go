package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status 任务状态
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// 状态只能向前推进，终态不可离开
var validTransitions = map[Status][]Status{
	StatusSubmitted:  {StatusQueued, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断是否终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task 文件处理任务记录
type Task struct {
	TaskID      string            `json:"task_id"`
	SourceRef   string            `json:"source_ref"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
	FileType    string            `json:"file_type,omitempty"`
	FileSize    int64             `json:"file_size"`
	VectorCount int               `json:"vector_count"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ContentHash 计算文件内容的sha256十六进制摘要
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// canonicalMetadata 元数据的稳定序列化形式，保证同样的键值集合产生同样的字符串
func canonicalMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(metadata[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// ContentKey 任务的内容标识：同样的来源、内容和元数据永远得到同一个key。
// 用于重复提交去重。
func ContentKey(sourceRef, contentHash string, metadata map[string]string) string {
	material := fmt.Sprintf("%s:%s:%s", sourceRef, contentHash, canonicalMetadata(metadata))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:16]
}

// NewTaskID 生成任务ID：时间戳前缀加内容key，便于人工按时间排查
func NewTaskID(sourceRef, contentHash string, metadata map[string]string, now time.Time) string {
	return fmt.Sprintf("%s-%s", now.Format("20060102150405"), ContentKey(sourceRef, contentHash, metadata))
}

// NewTask 创建新任务记录
func NewTask(sourceRef string, content []byte, metadata map[string]string, fileType string) *Task {
	now := time.Now()
	hash := ContentHash(content)
	return &Task{
		TaskID:      NewTaskID(sourceRef, hash, metadata, now),
		SourceRef:   sourceRef,
		ContentHash: hash,
		Metadata:    metadata,
		Status:      StatusSubmitted,
		FileType:    fileType,
		FileSize:    int64(len(content)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TaskEvent 任务状态变化事件，发布到跟踪队列
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"updated_at"`
}

// FilePayload 处理队列的消息体
type FilePayload struct {
	TaskID    string            `json:"task_id"`
	SourceRef string            `json:"file_path"`
	FileType  string            `json:"file_type"`
	Content   []byte            `json:"file_content"` // base64编码传输
	Metadata  map[string]string `json:"metadata,omitempty"`
}
