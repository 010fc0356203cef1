package version

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/index"
	"github.com/aihub/vector-go/internal/logger"
)

// 仓库内的固定文件名
const (
	repoIndexFile    = "index.vxi"
	repoDocMapFile   = "index.vxi.docmap.json"
	repoMetadataFile = "metadata.json"
)

// ErrVersionNotFound 版本不存在
var ErrVersionNotFound = fmt.Errorf("版本不存在")

// Metadata 随版本一起提交的索引元数据
type Metadata struct {
	Version        string    `json:"model_version"`
	IndexHash      string    `json:"index_hash"` // 索引文件的sha256
	IndexSizeBytes int64     `json:"index_size_bytes"`
	Ntotal         uint64    `json:"total_vectors"`
	Dimension      uint32    `json:"dimension"`
	Kind           string    `json:"index_type"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`
}

// VersionInfo 版本列表项
type VersionInfo struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commit_hash"`
	CommitTime time.Time `json:"commit_time"`
	Metadata   Metadata  `json:"metadata"`
}

// Manager 索引版本管理器。索引文件连同元数据提交进git仓库，
// 每个版本打一个tag，回滚时从对应提交取回文件并校验哈希。
type Manager struct {
	repoDir    string
	repo       *git.Repository
	migrations *MigrationRegistry
	log        *zap.Logger
}

// NewManager 打开或初始化版本仓库
func NewManager(repoDir string) (*Manager, error) {
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建版本仓库目录失败: %w", err)
	}

	repo, err := git.PlainOpen(repoDir)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(repoDir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("打开版本仓库失败: %w", err)
	}

	return &Manager{
		repoDir:    repoDir,
		repo:       repo,
		migrations: NewMigrationRegistry(),
		log:        logger.Named("version"),
	}, nil
}

// Migrations 返回迁移注册表
func (m *Manager) Migrations() *MigrationRegistry {
	return m.migrations
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyInto(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// CommitVersion 把当前索引文件提交为一个新版本并打tag，返回提交哈希。
// 同名版本已存在时报错。
func (m *Manager) CommitVersion(indexPath, version, description string) (string, error) {
	if _, err := m.repo.Tag(version); err == nil {
		return "", fmt.Errorf("版本%s已存在", version)
	}

	header, err := index.ReadHeader(indexPath)
	if err != nil {
		return "", fmt.Errorf("读取索引文件头失败: %w", err)
	}
	indexHash, err := hashFile(indexPath)
	if err != nil {
		return "", fmt.Errorf("计算索引哈希失败: %w", err)
	}

	if err := copyInto(indexPath, filepath.Join(m.repoDir, repoIndexFile)); err != nil {
		return "", fmt.Errorf("复制索引文件失败: %w", err)
	}
	// docmap可能不存在（索引还没有任何doc_id）
	if _, serr := os.Stat(indexPath + ".docmap.json"); serr == nil {
		if err := copyInto(indexPath+".docmap.json", filepath.Join(m.repoDir, repoDocMapFile)); err != nil {
			return "", fmt.Errorf("复制doc映射失败: %w", err)
		}
	}

	stat, err := os.Stat(indexPath)
	if err != nil {
		return "", err
	}
	meta := Metadata{
		Version:        version,
		IndexHash:      indexHash,
		IndexSizeBytes: stat.Size(),
		Ntotal:         header.Ntotal,
		Dimension:      header.Dimension,
		Kind:           header.Kind.String(),
		Description:    description,
		CreatedAt:      time.Now(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(m.repoDir, repoMetadataFile), metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("写入版本元数据失败: %w", err)
	}

	wt, err := m.repo.Worktree()
	if err != nil {
		return "", err
	}
	for _, name := range []string{repoIndexFile, repoDocMapFile, repoMetadataFile} {
		if _, serr := os.Stat(filepath.Join(m.repoDir, name)); serr != nil {
			continue
		}
		if _, err := wt.Add(name); err != nil {
			return "", fmt.Errorf("git add失败: %w", err)
		}
	}
	msg := fmt.Sprintf("index version %s: %d vectors (%s)", version, header.Ntotal, header.Kind)
	commit, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "vectord",
			Email: "vectord@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("git commit失败: %w", err)
	}

	if _, err := m.repo.CreateTag(version, commit, nil); err != nil {
		return "", fmt.Errorf("创建版本tag失败: %w", err)
	}

	m.log.Info("索引版本已提交",
		zap.String("version", version),
		zap.String("commit", commit.String()),
		zap.Uint64("ntotal", header.Ntotal))
	return commit.String(), nil
}

// TagVersion 给已有版本的提交追加一个别名tag（如latest、stable）
func (m *Manager) TagVersion(version, alias string) error {
	commit, err := m.resolveVersion(version)
	if err != nil {
		return err
	}
	if ref, err := m.repo.Tag(alias); err == nil {
		// 别名tag允许移动到新的提交
		if err := m.repo.DeleteTag(ref.Name().Short()); err != nil {
			return fmt.Errorf("移动tag失败: %w", err)
		}
	}
	if _, err := m.repo.CreateTag(alias, commit.Hash, nil); err != nil {
		return fmt.Errorf("创建tag失败: %w", err)
	}
	return nil
}

// CheckHealth 校验版本仓库：每个版本的元数据可读、索引文件存在且
// 大小与元数据一致。返回有问题的版本列表。
func (m *Manager) CheckHealth() (bad []string, err error) {
	versions, err := m.ListVersions()
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		commit, cerr := m.repo.CommitObject(plumbing.NewHash(v.CommitHash))
		if cerr != nil {
			bad = append(bad, v.Version)
			continue
		}
		f, ferr := commit.File(repoIndexFile)
		if ferr != nil || f.Size != v.Metadata.IndexSizeBytes {
			bad = append(bad, v.Version)
		}
	}
	return bad, nil
}

// resolveVersion 按tag名或提交哈希找到版本对应的提交。
// CommitVersion返回的是提交哈希，两种标识都要能定位。
func (m *Manager) resolveVersion(version string) (*object.Commit, error) {
	if ref, err := m.repo.Tag(version); err == nil {
		commit, err := m.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("读取版本提交失败: %w", err)
		}
		return commit, nil
	}
	if commit, err := m.repo.CommitObject(plumbing.NewHash(version)); err == nil {
		return commit, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
}

// readMetadata 从提交树中读取版本元数据
func readMetadata(commit *object.Commit) (Metadata, error) {
	f, err := commit.File(repoMetadataFile)
	if err != nil {
		return Metadata{}, fmt.Errorf("版本元数据缺失: %w", err)
	}
	content, err := f.Contents()
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(content), &meta); err != nil {
		return Metadata{}, fmt.Errorf("解析版本元数据失败: %w", err)
	}
	return meta, nil
}

// GetVersionInfo 查询单个版本
func (m *Manager) GetVersionInfo(version string) (*VersionInfo, error) {
	commit, err := m.resolveVersion(version)
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(commit)
	if err != nil {
		return nil, err
	}
	return &VersionInfo{
		Version:    version,
		CommitHash: commit.Hash.String(),
		CommitTime: commit.Committer.When,
		Metadata:   meta,
	}, nil
}

// ListVersions 按提交时间倒序列出全部版本
func (m *Manager) ListVersions() ([]VersionInfo, error) {
	tags, err := m.repo.Tags()
	if err != nil {
		return nil, err
	}

	var versions []VersionInfo
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		commit, err := m.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil
		}
		meta, err := readMetadata(commit)
		if err != nil {
			return nil
		}
		versions = append(versions, VersionInfo{
			Version:    ref.Name().Short(),
			CommitHash: commit.Hash.String(),
			CommitTime: commit.Committer.When,
			Metadata:   meta,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CommitTime.After(versions[j].CommitTime)
	})
	return versions, nil
}

// extractFile 从提交树取出文件内容原子写到目标路径
func extractFile(commit *object.Commit, name, dst string) error {
	f, err := commit.File(name)
	if err != nil {
		return err
	}
	r, err := f.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	tmp := dst + ".temp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Rollback 把指定版本的索引文件恢复到目标路径。
// 先取到临时文件校验sha256与版本元数据一致，通过后才替换现有索引，
// 校验失败视为仓库损坏，现有索引保持原样。
func (m *Manager) Rollback(version, indexPath string) (*VersionInfo, error) {
	commit, err := m.resolveVersion(version)
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(commit)
	if err != nil {
		return nil, err
	}

	staged := indexPath + ".rollback"
	if err := extractFile(commit, repoIndexFile, staged); err != nil {
		return nil, fmt.Errorf("恢复索引文件失败: %w", err)
	}
	restoredHash, err := hashFile(staged)
	if err != nil {
		os.Remove(staged)
		return nil, err
	}
	if restoredHash != meta.IndexHash {
		os.Remove(staged)
		return nil, fmt.Errorf("回滚后索引哈希不一致: 期望%s实际%s", meta.IndexHash, restoredHash)
	}
	if err := os.Rename(staged, indexPath); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("替换索引文件失败: %w", err)
	}
	// docmap在旧版本中可能不存在
	if err := extractFile(commit, repoDocMapFile, indexPath+".docmap.json"); err != nil {
		os.Remove(indexPath + ".docmap.json")
	}

	m.log.Info("索引已回滚",
		zap.String("version", version),
		zap.Uint64("ntotal", meta.Ntotal))
	return &VersionInfo{
		Version:    version,
		CommitHash: commit.Hash.String(),
		CommitTime: commit.Committer.When,
		Metadata:   meta,
	}, nil
}
