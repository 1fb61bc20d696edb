// Package channel 实现 Host 与 Guest 共享的文件投递目录
//
// 目录布局：
//
//	<root>/samples/   Host → Guest：待执行样本
//	<root>/results/   Guest → Host：结果包及其 .done 标记
//
// 共享目录本身没有锁，安全性来自投递协议：
//   - 写入使用临时文件（以 "." 开头）+ fsync + rename
//   - 结果包 rename 完成后再发布 <name>.done 标记（同样原子写入）
//   - 读取方只认带标记的结果包，取走时校验 sha256 与大小，然后删除
package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	SamplesDir = "samples"
	ResultsDir = "results"

	sentinelSuffix = ".done"
	tmpPrefix      = "."
)

var (
	// ErrBundleNotReady 结果包尚未发布（或仅有部分写入）
	ErrBundleNotReady = errors.New("bundle not ready")

	// ErrBundleCorrupt 结果包与标记中的校验信息不一致
	ErrBundleCorrupt = errors.New("bundle corrupt")

	// ErrInvalidName 名称包含路径成分
	ErrInvalidName = errors.New("invalid channel entry name")
)

// Sentinel 结果包发布标记
type Sentinel struct {
	Name        string    `json:"name"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	PublishedAt time.Time `json:"published_at"`
}

// Channel 共享目录
type Channel struct {
	root string
}

// New 打开共享目录，缺失的子目录会被创建
func New(root string) (*Channel, error) {
	if root == "" {
		return nil, errors.New("channel root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve channel root: %w", err)
	}
	for _, sub := range []string{SamplesDir, ResultsDir} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create channel dir %s: %w", sub, err)
		}
	}
	return &Channel{root: abs}, nil
}

// Root 根目录
func (c *Channel) Root() string { return c.root }

// SamplesPath 样本目录（即 Agent 的执行目录）
func (c *Channel) SamplesPath() string { return filepath.Join(c.root, SamplesDir) }

// ResultsPath 结果目录
func (c *Channel) ResultsPath() string { return filepath.Join(c.root, ResultsDir) }

// BundleName 运行对应的结果包名称
func BundleName(runID string) string {
	return "results_" + runID + ".zip"
}

// ============================================================================
// 样本投递
// ============================================================================

// SampleName 生成防冲突的样本投递名：<id 前缀>_<清洗后的原始文件名>
func SampleName(id, original string) string {
	prefix := strings.ReplaceAll(id, "-", "")
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	name := Sanitize(original)
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// Sanitize 去掉路径与不安全字符，保留扩展名
func Sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 120 {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:120-len(ext)] + ext
	}
	if out == "" || out == "_" {
		return "sample"
	}
	return out
}

// StageSample 原子写入样本，返回投递名、sha256 与大小
func (c *Channel) StageSample(id, original string, r io.Reader) (string, string, int64, error) {
	name := SampleName(id, original)
	sum, size, err := writeAtomic(c.SamplesPath(), name, r)
	if err != nil {
		return "", "", 0, fmt.Errorf("stage sample %s: %w", name, err)
	}
	return name, sum, size, nil
}

// SamplePath 样本完整路径
func (c *Channel) SamplePath(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	return filepath.Join(c.SamplesPath(), name), nil
}

// RemoveSample 删除已投递样本（不存在时不报错）
func (c *Channel) RemoveSample(name string) error {
	p, err := c.SamplePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ============================================================================
// 结果包发布与取回
// ============================================================================

// PublishBundle 发布结果包：先原子写入结果包，再原子写入 .done 标记
func (c *Channel) PublishBundle(name string, r io.Reader) (*Sentinel, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	sum, size, err := writeAtomic(c.ResultsPath(), name, r)
	if err != nil {
		return nil, fmt.Errorf("publish bundle %s: %w", name, err)
	}
	s := &Sentinel{Name: name, SHA256: sum, Size: size, PublishedAt: time.Now().UTC()}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if _, _, err := writeAtomic(c.ResultsPath(), name+sentinelSuffix, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("publish sentinel %s: %w", name, err)
	}
	return s, nil
}

// PublishBundleFile 从本地文件发布结果包
func (c *Channel) PublishBundleFile(name, path string) (*Sentinel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.PublishBundle(name, f)
}

// FindBundle 查询结果包标记；未发布返回 ErrBundleNotReady
func (c *Channel) FindBundle(name string) (*Sentinel, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(c.ResultsPath(), name+sentinelSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBundleNotReady
	}
	if err != nil {
		return nil, err
	}
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: sentinel for %s: %v", ErrBundleCorrupt, name, err)
	}
	return &s, nil
}

// WaitBundle 轮询等待结果包发布，ctx 结束时返回 ErrBundleNotReady
func (c *Channel) WaitBundle(ctx context.Context, name string, interval time.Duration) (*Sentinel, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := c.FindBundle(name)
		if !errors.Is(err, ErrBundleNotReady) {
			return s, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrBundleNotReady, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ListBundles 列出已发布的结果包
func (c *Channel) ListBundles() ([]Sentinel, error) {
	entries, err := os.ReadDir(c.ResultsPath())
	if err != nil {
		return nil, err
	}
	out := []Sentinel{}
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, tmpPrefix) || !strings.HasSuffix(n, sentinelSuffix) {
			continue
		}
		s, err := c.FindBundle(strings.TrimSuffix(n, sentinelSuffix))
		if err != nil {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

// TakeBundle 复制结果包到 dst，校验后从共享目录删除（结果包与标记）
//
// 校验失败时 dst 保留供排查，返回 ErrBundleCorrupt。
func (c *Channel) TakeBundle(name, dst string) (*Sentinel, error) {
	s, err := c.FindBundle(name)
	if err != nil {
		return nil, err
	}
	src := filepath.Join(c.ResultsPath(), name)
	sum, size, err := copyFile(src, dst)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s has a sentinel but no bundle", ErrBundleCorrupt, name)
	}
	if err != nil {
		return nil, fmt.Errorf("copy bundle %s: %w", name, err)
	}

	c.removeBundle(name)

	if sum != s.SHA256 || size != s.Size {
		return s, fmt.Errorf("%w: %s sha256=%s size=%d, expected sha256=%s size=%d", ErrBundleCorrupt, name, sum, size, s.SHA256, s.Size)
	}
	return s, nil
}

func (c *Channel) removeBundle(name string) {
	_ = os.Remove(filepath.Join(c.ResultsPath(), name))
	_ = os.Remove(filepath.Join(c.ResultsPath(), name+sentinelSuffix))
}

// RemoveBundle 删除结果包及其标记（不存在时不报错）
func (c *Channel) RemoveBundle(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	c.removeBundle(name)
	return nil
}

// Purge 删除早于 olderThan 的条目（包括残留临时文件），返回删除数量
func (c *Channel) Purge(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, dir := range []string{c.SamplesPath(), c.ResultsPath()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ============================================================================
// 文件辅助
// ============================================================================

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tmpPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// writeAtomic 写入临时文件、fsync 后 rename 到 dir/name
func writeAtomic(dir, name string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(dir, tmpPrefix+name+".tmp.*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return "", 0, err
	}
	committed = true
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func copyFile(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
