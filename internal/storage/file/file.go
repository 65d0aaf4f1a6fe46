// Package file 以 JSON 文件保存快照与付款请求，适合单机部署。
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"AgentCompany/internal/cycle"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/payment"
)

// writeJSON 先写临时文件再改名，崩溃时不会留下半个文件。
func writeJSON(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化 %s 失败: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("落盘失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("替换 %s 失败: %w", filepath.Base(path), err)
	}
	return nil
}

// SnapshotStore 每个运行一个 JSON 文件。
type SnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewSnapshotStore 在 dataDir/snapshots 下保存快照。
func NewSnapshotStore(dataDir string) (*SnapshotStore, error) {
	dir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建快照目录失败: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的运行 ID: "+id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save 实现 cycle.SnapshotStore。
func (s *SnapshotStore) Save(_ context.Context, snap *cycle.Snapshot) error {
	if snap == nil || snap.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少运行信息")
	}
	path, err := s.path(snap.Run.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(path, snap); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}
	return nil
}

// Load 实现 cycle.SnapshotStore。
func (s *SnapshotStore) Load(_ context.Context, goalRunID string) (*cycle.Snapshot, error) {
	path, err := s.path(goalRunID)
	if err != nil {
		return nil, cycle.ErrSnapshotNotFound
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cycle.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照失败")
	}
	var snap cycle.Snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照失败")
	}
	return &snap, nil
}

// List 实现 cycle.SnapshotStore。损坏的文件会被跳过。
func (s *SnapshotStore) List(ctx context.Context) ([]*cycle.GoalRun, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照目录失败")
	}
	var runs []*cycle.GoalRun
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		snap, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil || snap.Run == nil {
			continue
		}
		runs = append(runs, snap.Run)
	}
	cycle.SortRuns(runs)
	return runs, nil
}

// Close 实现 cycle.SnapshotStore。
func (s *SnapshotStore) Close() error { return nil }

// PaymentStore 在内存中维护请求并在每次变更后整体写回 payments.json。
type PaymentStore struct {
	mem  *payment.MemoryStore
	path string
	mu   sync.Mutex
}

// NewPaymentStore 从 dataDir/payments.json 加载已有请求。
func NewPaymentStore(dataDir string) (*PaymentStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	ps := &PaymentStore{mem: payment.NewMemoryStore(), path: filepath.Join(dataDir, "payments.json")}
	content, err := os.ReadFile(ps.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取付款记录失败: %w", err)
	}
	var restored []*payment.Request
	if err := json.Unmarshal(content, &restored); err != nil {
		return nil, fmt.Errorf("解析付款记录失败: %w", err)
	}
	for _, req := range restored {
		if err := ps.mem.Insert(context.Background(), req); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

func (ps *PaymentStore) flush(ctx context.Context) error {
	all, err := ps.mem.List(ctx, "")
	if err != nil {
		return err
	}
	if err := writeJSON(ps.path, all); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入付款记录失败")
	}
	return nil
}

// Insert 实现 payment.Store。
func (ps *PaymentStore) Insert(ctx context.Context, req *payment.Request) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := ps.mem.Insert(ctx, req); err != nil {
		return err
	}
	return ps.flush(ctx)
}

// Get 实现 payment.Store。
func (ps *PaymentStore) Get(ctx context.Context, id string) (*payment.Request, error) {
	return ps.mem.Get(ctx, id)
}

// Decide 实现 payment.Store。
func (ps *PaymentStore) Decide(ctx context.Context, id string, status payment.Status, decidedBy string, at time.Time) (*payment.Request, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	req, err := ps.mem.Decide(ctx, id, status, decidedBy, at)
	if err != nil {
		return req, err
	}
	return req, ps.flush(ctx)
}

// RecordSubmission 实现 payment.Store。
func (ps *PaymentStore) RecordSubmission(ctx context.Context, id string, sub payment.Submission) (*payment.Request, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	req, err := ps.mem.RecordSubmission(ctx, id, sub)
	if err != nil {
		return nil, err
	}
	return req, ps.flush(ctx)
}

// List 实现 payment.Store。
func (ps *PaymentStore) List(ctx context.Context, status payment.Status) ([]*payment.Request, error) {
	return ps.mem.List(ctx, status)
}

// Close 实现 payment.Store。
func (ps *PaymentStore) Close() error { return nil }

var (
	_ cycle.SnapshotStore = (*SnapshotStore)(nil)
	_ payment.Store       = (*PaymentStore)(nil)
)
