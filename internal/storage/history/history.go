// Package history 分析历史索引
//
// 每次分析状态变更都会写入一行记录（按 id upsert），供
// GET /api/analysis/history 查询。报告内容本身仍保存在报告目录中。
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sandbox-admin/internal/shared/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("analysis not found in history")

// Store SQLite 历史索引
type Store struct {
	db *sql.DB
}

// Open 打开（并迁移）历史数据库
// dsn 示例: "data/history.db" 或 "file:history.db?mode=rwc"
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
    id VARCHAR(64) PRIMARY KEY,
    sample_name TEXT NOT NULL,
    sha256 VARCHAR(64),
    status VARCHAR(16) NOT NULL,
    step VARCHAR(32),
    started_at TEXT NOT NULL,
    completed_at TEXT,
    timeout INTEGER NOT NULL DEFAULT 0,
    screenshot_interval INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    report_dir TEXT,
    sysmon_events INTEGER NOT NULL DEFAULT 0,
    files_collected INTEGER NOT NULL DEFAULT 0,
    host_frames INTEGER NOT NULL DEFAULT 0,
    agent_package TEXT,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_started_at ON analyses(started_at);
CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(status);
`

const columns = `id, sample_name, sha256, status, step, started_at, completed_at, timeout,
    screenshot_interval, error, report_dir, sysmon_events, files_collected, host_frames, agent_package`

// Record 写入或更新一条记录
func (s *Store) Record(ctx context.Context, r *model.AnalysisResult) error {
	if r == nil || r.ID == "" {
		return errors.New("analysis id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO analyses (`+columns+`, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = excluded.status,
    step = excluded.step,
    completed_at = excluded.completed_at,
    error = excluded.error,
    report_dir = excluded.report_dir,
    sysmon_events = excluded.sysmon_events,
    files_collected = excluded.files_collected,
    host_frames = excluded.host_frames,
    agent_package = excluded.agent_package,
    updated_at = excluded.updated_at`,
		r.ID, r.SampleName, r.SHA256, string(r.Status), r.Step,
		formatTime(r.StartedAt), formatTimePtr(r.CompletedAt), r.Timeout, r.ScreenshotInterval,
		nullString(r.Error), nullString(r.ReportDir),
		r.SysmonEvents, r.FilesCollected, r.HostFrames, r.AgentPackage,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record analysis %s: %w", r.ID, err)
	}
	return nil
}

// Get 按 id 查询
func (s *Store) Get(ctx context.Context, id string) (*model.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM analyses WHERE id = ?`, id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListOptions 查询条件
type ListOptions struct {
	Status model.AnalysisStatus
	Limit  int
	Offset int
}

// List 按开始时间倒序列出
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*model.AnalysisResult, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}
	query := `SELECT ` + columns + ` FROM analyses`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	out := []*model.AnalysisResult{}
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count 记录总数
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`).Scan(&n)
	return n, err
}

// Delete 删除记录（不存在时不报错）
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = ?`, id)
	return err
}

// ============================================================================
// 扫描辅助
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (*model.AnalysisResult, error) {
	var (
		r                         model.AnalysisResult
		sha, step, pkg            sql.NullString
		status, startedAt         string
		completedAt, errMsg, rdir sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.SampleName, &sha, &status, &step, &startedAt, &completedAt,
		&r.Timeout, &r.ScreenshotInterval, &errMsg, &rdir,
		&r.SysmonEvents, &r.FilesCollected, &r.HostFrames, &pkg); err != nil {
		return nil, err
	}
	r.SHA256 = sha.String
	r.Step = step.String
	r.AgentPackage = pkg.String
	r.Status = model.AnalysisStatus(status)
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	if errMsg.Valid {
		e := errMsg.String
		r.Error = &e
	}
	if rdir.Valid {
		d := rdir.String
		r.ReportDir = &d
	}
	return &r, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
