package collector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"sandbox-admin/internal/shared/model"
)

// ============================================================================
// Handles - 句柄快照
// ============================================================================

// HandleEntry 单个进程的句柄信息
type HandleEntry struct {
	PID        int32    `json:"pid"`
	PPID       int32    `json:"ppid,omitempty"`
	Name       string   `json:"name"`
	Exe        string   `json:"exe,omitempty"`
	NumHandles int32    `json:"num_handles"`
	OpenFiles  []string `json:"open_files,omitempty"`
}

// Handles 采集结束时的进程句柄快照
type Handles struct{}

func NewHandles() *Handles { return &Handles{} }

func (h *Handles) Name() string { return "handles" }
func (h *Handles) Description() string {
	return "Per-process handle counts and open files at collection time"
}

// Available 能查询到本进程即可用
func (h *Handles) Available(ctx context.Context) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(os.Getpid()))
	return err == nil && ok
}

// Collect 遍历进程；单个进程无权限时跳过
func (h *Handles) Collect(ctx context.Context, rc *RunContext) (*Result, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]HandleEntry, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		e := HandleEntry{PID: p.Pid, Name: name}
		e.PPID, _ = p.PpidWithContext(ctx)
		e.Exe, _ = p.ExeWithContext(ctx)
		e.NumHandles, _ = p.NumFDsWithContext(ctx)
		if files, err := p.OpenFilesWithContext(ctx); err == nil {
			for _, f := range files {
				e.OpenFiles = append(e.OpenFiles, f.Path)
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PID < entries[j].PID })

	if len(entries) == 0 {
		return NoData(), nil
	}
	path, err := writeJSONArtifact(rc, h.Name(), "handles.json", entries)
	if err != nil {
		return nil, err
	}
	return &Result{Status: model.CollectorStatusOK, Artifacts: []string{path}, Events: len(entries)}, nil
}

// ============================================================================
// Connections - 网络连接快照
// ============================================================================

// ConnectionEntry 单条连接
type ConnectionEntry struct {
	PID        int32  `json:"pid"`
	Process    string `json:"process,omitempty"`
	Family     uint32 `json:"family"`
	Type       uint32 `json:"type"`
	LocalAddr  string `json:"local_addr"`
	LocalPort  uint32 `json:"local_port"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	RemotePort uint32 `json:"remote_port,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Connections 采集结束时的网络连接快照
type Connections struct{}

func NewConnections() *Connections { return &Connections{} }

func (c *Connections) Name() string { return "connections" }
func (c *Connections) Description() string {
	return "Open sockets with owning process at collection time"
}

func (c *Connections) Available(context.Context) bool { return true }

func (c *Connections) Collect(ctx context.Context, rc *RunContext) (*Result, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "all")
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return NoData(), nil
	}

	names := map[int32]string{}
	entries := make([]ConnectionEntry, 0, len(conns))
	for _, cs := range conns {
		e := ConnectionEntry{
			PID:        cs.Pid,
			Family:     cs.Family,
			Type:       cs.Type,
			LocalAddr:  cs.Laddr.IP,
			LocalPort:  cs.Laddr.Port,
			RemoteAddr: cs.Raddr.IP,
			RemotePort: cs.Raddr.Port,
			Status:     cs.Status,
		}
		if cs.Pid > 0 {
			if n, ok := names[cs.Pid]; ok {
				e.Process = n
			} else if p, err := process.NewProcessWithContext(ctx, cs.Pid); err == nil {
				n, _ := p.NameWithContext(ctx)
				names[cs.Pid] = n
				e.Process = n
			}
		}
		entries = append(entries, e)
	}

	path, err := writeJSONArtifact(rc, c.Name(), "connections.json", entries)
	if err != nil {
		return nil, err
	}
	return &Result{Status: model.CollectorStatusOK, Artifacts: []string{path}, Events: len(entries)}, nil
}

func writeJSONArtifact(rc *RunContext, collector, file string, v any) (string, error) {
	dir, err := rc.Dir(collector)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(map[string]any{
		"captured_at": time.Now().UTC(),
		"entries":     v,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return rc.Rel(path), nil
}
