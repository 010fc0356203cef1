package version

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/vector-go/internal/index"
)

const testDim = 8

func writeTestIndex(t *testing.T, path string, n int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	idx := index.NewFlat(testDim)
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, testDim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}
	require.NoError(t, idx.Add(vectors))
	require.NoError(t, index.WriteFile(idx, path))
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "versions"))
	require.NoError(t, err)
	return m, filepath.Join(dir, "index.vxi")
}

func TestCommitAndListVersions(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 10, 1)
	hash1, err := m.CommitVersion(indexPath, "v1", "首个版本")
	require.NoError(t, err)
	assert.NotEmpty(t, hash1)

	time.Sleep(1100 * time.Millisecond) // git提交时间精度为秒
	writeTestIndex(t, indexPath, 25, 2)
	hash2, err := m.CommitVersion(indexPath, "v2", "追加数据")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)

	versions, err := m.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 2)

	// 倒序：最新的在前
	assert.Equal(t, "v2", versions[0].Version)
	assert.Equal(t, uint64(25), versions[0].Metadata.Ntotal)
	assert.Equal(t, "v1", versions[1].Version)
	assert.Equal(t, uint64(10), versions[1].Metadata.Ntotal)
}

func TestCommitDuplicateVersion(t *testing.T) {
	m, indexPath := newTestManager(t)
	writeTestIndex(t, indexPath, 5, 1)

	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)
	_, err = m.CommitVersion(indexPath, "v1", "")
	assert.Error(t, err)
}

func TestGetVersionInfo(t *testing.T) {
	m, indexPath := newTestManager(t)
	writeTestIndex(t, indexPath, 7, 1)
	_, err := m.CommitVersion(indexPath, "v1", "说明文字")
	require.NoError(t, err)

	info, err := m.GetVersionInfo("v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", info.Version)
	assert.Equal(t, uint64(7), info.Metadata.Ntotal)
	assert.Equal(t, "flat", info.Metadata.Kind)
	assert.Equal(t, "说明文字", info.Metadata.Description)

	_, err = m.GetVersionInfo("missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestRollbackRestoresOldIndex(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 10, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)

	writeTestIndex(t, indexPath, 50, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	info, err := m.Rollback("v1", indexPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), info.Metadata.Ntotal)

	// 回滚后磁盘上的索引恢复为v1的内容
	restored, err := index.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, int64(10), restored.Ntotal())
}

func TestRollbackByCommitHash(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 10, 1)
	hash1, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)

	writeTestIndex(t, indexPath, 50, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	// CommitVersion返回的提交哈希可以直接用来回滚
	info, err := m.Rollback(hash1, indexPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), info.Metadata.Ntotal)

	restored, err := index.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, int64(10), restored.Ntotal())

	// 查询同样接受提交哈希
	byHash, err := m.GetVersionInfo(hash1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), byHash.Metadata.Ntotal)
}

func TestRollbackHashMismatchKeepsLiveIndex(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 10, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)

	// 手工构造一个元数据哈希与索引文件不符的坏版本
	metaBytes, err := json.Marshal(Metadata{
		Version:   "bad",
		IndexHash: strings.Repeat("0", 64),
		Ntotal:    10,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.repoDir, repoMetadataFile), metaBytes, 0o644))
	wt, err := m.repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(repoMetadataFile)
	require.NoError(t, err)
	commit, err := wt.Commit("bad metadata", &git.CommitOptions{
		Author: &object.Signature{Name: "vectord", Email: "vectord@localhost", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = m.repo.CreateTag("bad", commit, nil)
	require.NoError(t, err)

	writeTestIndex(t, indexPath, 99, 3)
	_, err = m.Rollback("bad", indexPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "哈希不一致")

	// 现有索引原样保留，没有残留的临时文件
	live, err := index.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, int64(99), live.Ntotal())
	_, err = os.Stat(indexPath + ".rollback")
	assert.True(t, os.IsNotExist(err))
}

func TestRollbackUnknownVersion(t *testing.T) {
	m, indexPath := newTestManager(t)
	writeTestIndex(t, indexPath, 5, 1)

	_, err := m.Rollback("nope", indexPath)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestRunMigrationExactPair(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)
	writeTestIndex(t, indexPath, 6, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	called := false
	m.Migrations().Register("v1", "v2", func(path string) error {
		called = true
		assert.Equal(t, indexPath, path)
		return nil
	})

	require.NoError(t, m.RunMigration("v1", "v2", indexPath))
	assert.True(t, called)
}

func TestRunMigrationGenericDirection(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // git提交时间精度为秒
	writeTestIndex(t, indexPath, 6, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	var direction string
	m.Migrations().RegisterForward(func(path string) error {
		direction = "forward"
		return nil
	})
	m.Migrations().RegisterBackward(func(path string) error {
		direction = "backward"
		return nil
	})

	require.NoError(t, m.RunMigration("v1", "v2", indexPath))
	assert.Equal(t, "forward", direction)

	require.NoError(t, m.RunMigration("v2", "v1", indexPath))
	assert.Equal(t, "backward", direction)
}

func TestRunMigrationMissing(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)
	writeTestIndex(t, indexPath, 6, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	err = m.RunMigration("v1", "v2", indexPath)
	assert.ErrorIs(t, err, ErrNoMigration)
}

func TestMigrationError(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)
	writeTestIndex(t, indexPath, 6, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	m.Migrations().Register("v1", "v2", func(path string) error {
		return fmt.Errorf("磁盘空间不足")
	})
	err = m.RunMigration("v1", "v2", indexPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "磁盘空间不足")
}

func TestTagVersionAlias(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)
	writeTestIndex(t, indexPath, 6, 2)
	_, err = m.CommitVersion(indexPath, "v2", "")
	require.NoError(t, err)

	require.NoError(t, m.TagVersion("v1", "stable"))
	info, err := m.GetVersionInfo("stable")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.Metadata.Ntotal)

	// 别名可以移动
	require.NoError(t, m.TagVersion("v2", "stable"))
	info, err = m.GetVersionInfo("stable")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), info.Metadata.Ntotal)

	err = m.TagVersion("missing", "alias")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestCheckHealth(t *testing.T) {
	m, indexPath := newTestManager(t)

	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)

	bad, err := m.CheckHealth()
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestManagerReopenExistingRepo(t *testing.T) {
	m, indexPath := newTestManager(t)
	writeTestIndex(t, indexPath, 5, 1)
	_, err := m.CommitVersion(indexPath, "v1", "")
	require.NoError(t, err)

	// 重新打开已有仓库，历史版本仍可见
	m2, err := NewManager(m.repoDir)
	require.NoError(t, err)
	versions, err := m2.ListVersions()
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	_ = os.RemoveAll(m.repoDir)
}
