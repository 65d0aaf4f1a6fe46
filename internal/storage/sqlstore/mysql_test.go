package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"AgentCompany/internal/payment"
)

func TestMySQLRunMigrations(t *testing.T) {
	ops := []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(migrationStatement(t, "0002_create_payment_requests.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := &Store{db: db, dialect: DialectMySQL, company: "acme"}
	if err := s.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMySQLSnapshotUpsert(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertSnapshotSQL(DialectMySQL), mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	s := &Store{db: db, dialect: DialectMySQL, company: "acme"}
	if err := s.Snapshots().Save(context.Background(), snapshotFor("run-1", time.Now(), "")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !strings.Contains(upsertSnapshotSQL(DialectMySQL), "ON DUPLICATE KEY UPDATE") {
		t.Fatalf("mysql upsert must use ON DUPLICATE KEY")
	}
}

func TestMySQLDecideNotPending(t *testing.T) {
	decided := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	row := mockRowsData{
		columns: strings.Split(strings.Join(strings.Fields(paymentColumns), ""), ","),
		values: [][]driver.Value{{"p1", int64(1), "finance", "", "", "0xabc", "1", "ethereum", "ETH", "",
			"rejected", decided, decided, "operator", "", "", "", nil}},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(`UPDATE payment_requests SET status = ?, decided_by = ?, decided_at = ?
    WHERE company = ? AND id = ? AND status = ?`, mockResult{rowsAffected: 0}),
		queryOp(`SELECT `+paymentColumns+` FROM payment_requests WHERE company = ? AND id = ?`, row),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	s := &Store{db: db, dialect: DialectMySQL, company: "acme"}
	got, err := s.Payments().Decide(context.Background(), "p1", payment.StatusApproved, payment.DecidedByOperator, time.Now())
	if !errors.Is(err, payment.ErrNotPending) {
		t.Fatalf("expected NotPending, got %v", err)
	}
	if got.Status != payment.StatusRejected || got.DecidedAt == nil || got.SubmittedAt != nil {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := normalizeMySQLDSN("user:pass@tcp(127.0.0.1:3306)/company")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	if _, err := normalizeMySQLDSN("not a dsn"); err == nil {
		t.Fatalf("expected invalid dsn to fail")
	}
}

func migrationStatement(t *testing.T, name string) string {
	t.Helper()
	files, err := loadMigrationFiles(DialectMySQL)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	for _, f := range files {
		if f.name == name {
			return f.statements[0]
		}
	}
	t.Fatalf("migration %s not found", name)
	return ""
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-sql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, op.err
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.driver.next(opBegin, ""); err != nil {
		return nil, err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	_, err := t.driver.next(opCommit, "")
	return err
}

func (t *mockTx) Rollback() error {
	_, err := t.driver.next(opRollback, "")
	return err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
