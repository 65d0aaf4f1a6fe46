package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"AgentCompany/internal/cycle"
	xerrors "AgentCompany/internal/errors"
)

// SnapshotStore 实现 cycle.SnapshotStore。Close 不关闭共享连接池。
type SnapshotStore struct {
	store *Store
}

// Snapshots 返回快照存储。
func (s *Store) Snapshots() *SnapshotStore { return &SnapshotStore{store: s} }

func upsertSnapshotSQL(d Dialect) string {
	insert := `INSERT INTO goal_snapshots (company, goal_run_id, outcome, started_at, saved_at, run_json, snapshot_json)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	if d == DialectMySQL {
		return insert + `
    ON DUPLICATE KEY UPDATE outcome = VALUES(outcome), saved_at = VALUES(saved_at), run_json = VALUES(run_json), snapshot_json = VALUES(snapshot_json)`
	}
	return insert + `
    ON CONFLICT (company, goal_run_id) DO UPDATE SET outcome = excluded.outcome, saved_at = excluded.saved_at, run_json = excluded.run_json, snapshot_json = excluded.snapshot_json`
}

// Save 覆盖写入运行的最新快照。
func (ss *SnapshotStore) Save(ctx context.Context, snap *cycle.Snapshot) error {
	if snap == nil || snap.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少运行信息")
	}
	runJSON, err := json.Marshal(snap.Run)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行失败")
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败")
	}
	s := ss.store
	if _, err := s.db.ExecContext(ctx, upsertSnapshotSQL(s.dialect),
		s.company, snap.Run.ID, string(snap.Run.Outcome),
		toUnixNano(snap.Run.StartedAt), toUnixNano(snap.SavedAt),
		string(runJSON), string(snapJSON),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}
	return nil
}

// Load 读取运行的最新快照。
func (ss *SnapshotStore) Load(ctx context.Context, goalRunID string) (*cycle.Snapshot, error) {
	s := ss.store
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_json FROM goal_snapshots WHERE company = ? AND goal_run_id = ?`,
		s.company, goalRunID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cycle.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照失败")
	}
	var snap cycle.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析快照 %s 失败", goalRunID))
	}
	return &snap, nil
}

// List 返回公司全部运行，按开始时间排序。
func (ss *SnapshotStore) List(ctx context.Context) ([]*cycle.GoalRun, error) {
	s := ss.store
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_json FROM goal_snapshots WHERE company = ? ORDER BY started_at, goal_run_id`, s.company)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询快照失败")
	}
	defer rows.Close()

	var runs []*cycle.GoalRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照行失败")
		}
		var run cycle.GoalRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行失败")
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历快照失败")
	}
	return runs, nil
}

// Close 不做任何事，连接池由 Store 关闭。
func (ss *SnapshotStore) Close() error { return nil }

var _ cycle.SnapshotStore = (*SnapshotStore)(nil)
