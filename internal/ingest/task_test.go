package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContentKeyStable(t *testing.T) {
	meta1 := map[string]string{"a": "1", "b": "2"}
	meta2 := map[string]string{"b": "2", "a": "1"}
	hash := ContentHash([]byte("content"))

	// 元数据键顺序不影响key
	assert.Equal(t, ContentKey("f.txt", hash, meta1), ContentKey("f.txt", hash, meta2))
	assert.Len(t, ContentKey("f.txt", hash, meta1), 16)

	// 任意字段变化都会改变key
	assert.NotEqual(t, ContentKey("f.txt", hash, meta1), ContentKey("g.txt", hash, meta1))
	assert.NotEqual(t, ContentKey("f.txt", hash, meta1),
		ContentKey("f.txt", ContentHash([]byte("other")), meta1))
	assert.NotEqual(t, ContentKey("f.txt", hash, meta1),
		ContentKey("f.txt", hash, map[string]string{"a": "1"}))
}

func TestNewTaskIDFormat(t *testing.T) {
	now := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	hash := ContentHash([]byte("data"))
	id := NewTaskID("doc.pdf", hash, nil, now)

	assert.Len(t, id, 14+1+16)
	assert.Equal(t, "20250314150926-", id[:15])

	// 同内容不同时刻：前缀变化，后缀不变
	later := NewTaskID("doc.pdf", hash, nil, now.Add(3*time.Second))
	assert.NotEqual(t, id, later)
	assert.Equal(t, id[15:], later[15:])
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusSubmitted, StatusQueued))
	assert.True(t, CanTransition(StatusQueued, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))

	// 不允许回退或跳出终态
	assert.False(t, CanTransition(StatusProcessing, StatusQueued))
	assert.False(t, CanTransition(StatusCompleted, StatusProcessing))
	assert.False(t, CanTransition(StatusFailed, StatusQueued))
	assert.False(t, CanTransition(StatusSubmitted, StatusCompleted))
}

func TestNewTaskFields(t *testing.T) {
	task := NewTask("report.pdf", []byte("hello"), map[string]string{"lang": "zh"}, "pdf")

	assert.Equal(t, StatusSubmitted, task.Status)
	assert.Equal(t, "report.pdf", task.SourceRef)
	assert.Equal(t, int64(5), task.FileSize)
	assert.Equal(t, "pdf", task.FileType)
	assert.Equal(t, ContentHash([]byte("hello")), task.ContentHash)
	assert.NotEmpty(t, task.TaskID)
}
