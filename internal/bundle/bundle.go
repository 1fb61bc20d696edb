// Package bundle 结果包的打包与解包
//
// 结果包是一个 zip：
//
//	manifest.json           运行清单
//	artifacts/<relative>    各采集器产出的文件
//
// 设置密码时每个条目使用 AES 加密（样本分析的惯例密码为 "infected"）。
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexmullins/zip"

	"sandbox-admin/internal/shared/model"
)

// ArtifactsPrefix 结果包内产物目录
const ArtifactsPrefix = "artifacts/"

var (
	// ErrUnsafePath 条目路径越界（绝对路径或 ..）
	ErrUnsafePath = errors.New("unsafe path in bundle")

	// ErrNoManifest 结果包缺少 manifest.json
	ErrNoManifest = errors.New("bundle has no manifest")
)

// Options 打包/解包选项
type Options struct {
	Password string
}

// Pack 将 artifactsDir 下的所有文件与清单写入 w，返回写入的产物数量
func Pack(w io.Writer, artifactsDir string, manifest *model.Manifest, opts Options) (int, error) {
	zw := zip.NewWriter(w)

	files, err := listFiles(artifactsDir)
	if err != nil {
		zw.Close()
		return 0, err
	}
	for _, rel := range files {
		if err := addFile(zw, ArtifactsPrefix+rel, filepath.Join(artifactsDir, filepath.FromSlash(rel)), opts); err != nil {
			zw.Close()
			return 0, fmt.Errorf("pack %s: %w", rel, err)
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		return 0, err
	}
	mw, err := createEntry(zw, model.ManifestFileName, opts)
	if err != nil {
		zw.Close()
		return 0, err
	}
	if _, err := mw.Write(data); err != nil {
		zw.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return len(files), nil
}

// PackFile 打包到本地文件
func PackFile(dst, artifactsDir string, manifest *model.Manifest, opts Options) (int, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := Pack(f, artifactsDir, manifest, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func createEntry(zw *zip.Writer, name string, opts Options) (io.Writer, error) {
	if opts.Password != "" {
		return zw.Encrypt(name, opts.Password)
	}
	return zw.Create(name)
}

func addFile(zw *zip.Writer, name, src string, opts Options) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	w, err := createEntry(zw, name, opts)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// listFiles 递归列出 dir 下的普通文件（斜杠分隔的相对路径，已排序）
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ListFiles 导出给 Agent 用于 /api/artifacts
func ListFiles(dir string) ([]string, error) { return listFiles(dir) }

// Unpack 解包到 dst：清单写入 dst/manifest.json，产物写入 dst/artifacts/<relative>
//
// 返回清单与解出的产物相对路径。任何越界路径都会使解包失败。
func Unpack(src, dst string, opts Options) (*model.Manifest, []string, error) {
	rc, err := zip.OpenReader(src)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, nil, err
	}

	var manifest *model.Manifest
	var artifacts []string
	for _, f := range rc.File {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if strings.HasSuffix(name, "/") {
			continue
		}
		if !isLocal(name) {
			return manifest, artifacts, fmt.Errorf("%w: %q", ErrUnsafePath, f.Name)
		}
		if f.IsEncrypted() {
			if opts.Password == "" {
				return manifest, artifacts, fmt.Errorf("bundle entry %s is encrypted and no password configured", name)
			}
			f.SetPassword(opts.Password)
		}

		switch {
		case name == model.ManifestFileName:
			data, err := readEntry(f)
			if err != nil {
				return manifest, artifacts, fmt.Errorf("read manifest: %w", err)
			}
			var m model.Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return manifest, artifacts, fmt.Errorf("decode manifest: %w", err)
			}
			manifest = &m
			if err := os.WriteFile(filepath.Join(dst, model.ManifestFileName), data, 0o644); err != nil {
				return manifest, artifacts, err
			}
		case strings.HasPrefix(name, ArtifactsPrefix):
			rel := strings.TrimPrefix(name, ArtifactsPrefix)
			if err := extract(f, filepath.Join(dst, "artifacts", filepath.FromSlash(rel))); err != nil {
				return manifest, artifacts, fmt.Errorf("extract %s: %w", rel, err)
			}
			artifacts = append(artifacts, rel)
		}
	}
	if manifest == nil {
		return nil, artifacts, ErrNoManifest
	}
	sort.Strings(artifacts)
	return manifest, artifacts, nil
}

func isLocal(name string) bool {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || strings.Contains(name, ":") {
		return false
	}
	clean := path.Clean(name)
	return clean != ".." && !strings.HasPrefix(clean, "../") && filepath.IsLocal(filepath.FromSlash(clean))
}

func readEntry(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func extract(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
