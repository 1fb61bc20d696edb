package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sandbox-admin/internal/shared/model"
)

// ============================================================================
// 报告目录
// ============================================================================

// ReportFile 报告目录中的一个文件
type ReportFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ReportDetail 单个报告：分析记录、清单与文件列表
type ReportDetail struct {
	Analysis *model.AnalysisResult `json:"analysis"`
	Manifest *model.Manifest       `json:"manifest,omitempty"`
	Files    []ReportFile          `json:"files"`
}

func validID(id string) bool {
	return id != "" && !strings.HasPrefix(id, ".") && !strings.ContainsAny(id, `/\`) && id != ".."
}

func (o *Orchestrator) readReport(id string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(o.cfg.ReportsDir, id, ReportFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode %s report: %w", id, err)
	}
	if rep.Analysis == nil {
		return nil, fmt.Errorf("report %s has no analysis record", id)
	}
	return &rep, nil
}

// Get 查询分析记录：当前分析优先，其次是落盘报告
func (o *Orchestrator) Get(id string) (*model.AnalysisResult, error) {
	if cur := o.Current(); cur != nil && cur.ID == id {
		return cur, nil
	}
	if !validID(id) {
		return nil, ErrNotFound
	}
	rep, err := o.readReport(id)
	if err != nil {
		return nil, err
	}
	return rep.Analysis, nil
}

// ListReports 列出已落盘的报告，按开始时间倒序
func (o *Orchestrator) ListReports() ([]*model.AnalysisResult, error) {
	entries, err := os.ReadDir(o.cfg.ReportsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*model.AnalysisResult{}, nil
		}
		return nil, err
	}
	out := make([]*model.AnalysisResult, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		rep, err := o.readReport(e.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				o.log.WithError(err).Warn("skip unreadable report", "id", e.Name())
			}
			continue
		}
		out = append(out, rep.Analysis)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Report 报告详情
func (o *Orchestrator) Report(id string) (*ReportDetail, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	rep, err := o.readReport(id)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(o.cfg.ReportsDir, id)
	files := []ReportFile{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		files = append(files, ReportFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ReportDetail{Analysis: rep.Analysis, Manifest: rep.Manifest, Files: files}, nil
}

// ReportFilePath 报告目录内文件的本地路径；拒绝目录穿越
func (o *Orchestrator) ReportFilePath(id, rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if !validID(id) || !filepath.IsLocal(rel) {
		return "", ErrNotFound
	}
	path := filepath.Join(o.cfg.ReportsDir, id, rel)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// ClearReports 删除所有报告目录，进行中的分析除外
func (o *Orchestrator) ClearReports() (int, error) {
	entries, err := os.ReadDir(o.cfg.ReportsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	skip := o.inFlightID()
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) || e.Name() == skip {
			continue
		}
		if err := os.RemoveAll(filepath.Join(o.cfg.ReportsDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	o.log.Info("reports cleared", "removed", removed, "kept_in_flight", skip != "")
	return removed, errors.Join(errs...)
}
