package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentCompany/internal/errors"
)

// Store 持久化付款请求。Decide 必须是原子的比较并设置：
// 只有当前状态为 pending 时才写入审批结果，否则返回 ErrNotPending 与当前记录。
type Store interface {
	Insert(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Decide(ctx context.Context, id string, status Status, decidedBy string, at time.Time) (*Request, error)
	RecordSubmission(ctx context.Context, id string, sub Submission) (*Request, error)
	List(ctx context.Context, status Status) ([]*Request, error)
	Close() error
}

// MemoryStore 以内存方式保存付款请求。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	seq      int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, req *Request) error {
	if req == nil || req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "付款请求 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "付款请求已存在: "+req.ID)
	}
	if req.Seq == 0 {
		m.seq++
		req.Seq = m.seq
	} else if req.Seq > m.seq {
		m.seq = req.Seq
	}
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

// Decide 实现 Store 接口。
func (m *MemoryStore) Decide(_ context.Context, id string, status Status, decidedBy string, at time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return cloneRequest(req), ErrNotPending
	}
	req.Status = status
	req.DecidedBy = decidedBy
	decided := at
	req.DecidedAt = &decided
	return cloneRequest(req), nil
}

// RecordSubmission 实现 Store 接口。
func (m *MemoryStore) RecordSubmission(_ context.Context, id string, sub Submission) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	req.Submission = sub.Status
	req.TxHash = sub.TxHash
	req.SubmitError = sub.Error
	at := sub.At
	req.SubmittedAt = &at
	return cloneRequest(req), nil
}

// List 按创建顺序返回请求，status 为空时返回全部。
func (m *MemoryStore) List(_ context.Context, status Status) ([]*Request, error) {
	m.mu.RLock()
	out := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
