package version

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoMigration 找不到适用的迁移函数
var ErrNoMigration = errors.New("没有适用的迁移")

// MigrationFunc 对索引文件执行一次格式/内容迁移
type MigrationFunc func(indexPath string) error

// MigrationRegistry 迁移函数注册表。优先精确匹配版本对，
// 没有精确匹配时按版本提交时间方向使用通用的升级/降级迁移。
type MigrationRegistry struct {
	mu       sync.RWMutex
	exact    map[string]MigrationFunc
	forward  MigrationFunc
	backward MigrationFunc
}

// NewMigrationRegistry 创建迁移注册表
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{exact: make(map[string]MigrationFunc)}
}

func pairKey(from, to string) string {
	return from + "->" + to
}

// Register 注册版本对的精确迁移
func (r *MigrationRegistry) Register(from, to string, fn MigrationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[pairKey(from, to)] = fn
}

// RegisterForward 注册通用升级迁移（目标版本比来源新时使用）
func (r *MigrationRegistry) RegisterForward(fn MigrationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forward = fn
}

// RegisterBackward 注册通用降级迁移（目标版本比来源旧时使用）
func (r *MigrationRegistry) RegisterBackward(fn MigrationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backward = fn
}

func (r *MigrationRegistry) lookup(from, to string, forward bool) (MigrationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.exact[pairKey(from, to)]; ok {
		return fn, nil
	}
	if forward && r.forward != nil {
		return r.forward, nil
	}
	if !forward && r.backward != nil {
		return r.backward, nil
	}
	return nil, fmt.Errorf("%w: %s->%s", ErrNoMigration, from, to)
}

// RunMigration 执行从from到to的迁移。两个版本必须都已提交，
// 迁移方向由版本提交时间决定；找不到适用的迁移函数时报错。
func (m *Manager) RunMigration(from, to, indexPath string) error {
	fromCommit, err := m.resolveVersion(from)
	if err != nil {
		return err
	}
	toCommit, err := m.resolveVersion(to)
	if err != nil {
		return err
	}

	forward := toCommit.Committer.When.After(fromCommit.Committer.When)
	fn, err := m.migrations.lookup(from, to, forward)
	if err != nil {
		return err
	}

	if err := fn(indexPath); err != nil {
		return fmt.Errorf("迁移%s->%s失败: %w", from, to, err)
	}
	m.log.Info("迁移完成")
	return nil
}
