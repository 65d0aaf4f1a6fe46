package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/payment"
)

// PaymentStore 实现 payment.Store。
type PaymentStore struct {
	store *Store
}

// Payments 返回付款存储。
func (s *Store) Payments() *PaymentStore { return &PaymentStore{store: s} }

const paymentColumns = `id, seq, agent, goal_run_id, task_id, to_address, amount, chain, token, reason, status,
    created_at, decided_at, decided_by, submission_status, tx_hash, submit_error, submitted_at`

func insertPaymentSQL() string {
	return `INSERT INTO payment_requests
    (company, ` + paymentColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

// Insert 写入新请求，Seq 为 0 时分配公司内递增序号。
func (ps *PaymentStore) Insert(ctx context.Context, req *payment.Request) error {
	if req == nil || req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "付款请求 ID 不能为空")
	}
	s := ps.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_requests WHERE id = ?`, req.ID).Scan(&exists)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询付款请求失败")
	}
	if exists > 0 {
		return xerrors.New(xerrors.CodeConflict, "付款请求已存在: "+req.ID)
	}
	if req.Seq == 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM payment_requests WHERE company = ?`, s.company).Scan(&maxSeq); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配付款序号失败")
		}
		req.Seq = maxSeq.Int64 + 1
	}
	if _, err := tx.ExecContext(ctx, insertPaymentSQL(),
		s.company, req.ID, req.Seq, req.Agent, req.GoalRunID, req.TaskID, req.To, req.Amount, req.Chain,
		req.Token, req.Reason, string(req.Status), toUnixNano(req.CreatedAt), nullTime(req.DecidedAt),
		req.DecidedBy, string(req.Submission), req.TxHash, req.SubmitError, nullTime(req.SubmittedAt),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入付款请求失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交付款请求失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*payment.Request, error) {
	var (
		req                    payment.Request
		status, submission     string
		createdAt              int64
		decidedAt, submittedAt sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.Seq, &req.Agent, &req.GoalRunID, &req.TaskID, &req.To, &req.Amount,
		&req.Chain, &req.Token, &req.Reason, &status, &createdAt, &decidedAt, &req.DecidedBy,
		&submission, &req.TxHash, &req.SubmitError, &submittedAt); err != nil {
		return nil, err
	}
	req.Status = payment.Status(status)
	req.Submission = payment.SubmissionStatus(submission)
	req.CreatedAt = fromUnixNano(createdAt)
	req.DecidedAt = timePtr(decidedAt)
	req.SubmittedAt = timePtr(submittedAt)
	return &req, nil
}

// Get 读取一个请求。
func (ps *PaymentStore) Get(ctx context.Context, id string) (*payment.Request, error) {
	s := ps.store
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE company = ? AND id = ?`, s.company, id)
	req, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取付款请求失败")
	}
	return req, nil
}

// Decide 以条件更新实现比较并设置，只有 pending 请求会被改写。
func (ps *PaymentStore) Decide(ctx context.Context, id string, status payment.Status, decidedBy string, at time.Time) (*payment.Request, error) {
	s := ps.store
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET status = ?, decided_by = ?, decided_at = ?
    WHERE company = ? AND id = ? AND status = ?`,
		string(status), decidedBy, at.UnixNano(), s.company, id, string(payment.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新付款请求失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	current, err := ps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return current, payment.ErrNotPending
	}
	return current, nil
}

// RecordSubmission 写入链上提交结果。
func (ps *PaymentStore) RecordSubmission(ctx context.Context, id string, sub payment.Submission) (*payment.Request, error) {
	s := ps.store
	at := sub.At
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET submission_status = ?, tx_hash = ?, submit_error = ?, submitted_at = ?
    WHERE company = ? AND id = ?`,
		string(sub.Status), sub.TxHash, sub.Error, nullTime(&at), s.company, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录付款提交失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, payment.ErrNotFound
	}
	return ps.Get(ctx, id)
}

// List 按创建顺序返回请求，status 为空时返回全部。
func (ps *PaymentStore) List(ctx context.Context, status payment.Status) ([]*payment.Request, error) {
	s := ps.store
	query := `SELECT ` + paymentColumns + ` FROM payment_requests WHERE company = ?`
	args := []any{s.company}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询付款请求失败")
	}
	defer rows.Close()

	var out []*payment.Request
	for rows.Next() {
		req, err := scanPayment(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析付款请求失败")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历付款请求失败")
	}
	return out, nil
}

// Close 不做任何事，连接池由 Store 关闭。
func (ps *PaymentStore) Close() error { return nil }

var _ payment.Store = (*PaymentStore)(nil)
