// Package mysqltest 提供按顺序回放 SQL 操作的 database/sql 假驱动，
// 供仓库层测试校验语句与参数而无需真实数据库。
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t operationType) String() string {
	switch t {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Op 是一条预期的数据库操作。
type Op struct {
	typ          operationType
	query        string
	rowsAffected int64
	columns      []string
	values       [][]driver.Value
	err          error
}

// WithError 让该操作返回 err。
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

// Exec 期望一次写操作。query 为空时不校验语句。
func Exec(query string, rowsAffected int64) Op {
	return Op{typ: opExec, query: query, rowsAffected: rowsAffected}
}

// Query 期望一次查询，并返回给定的行。
func Query(query string, columns []string, rows ...[]driver.Value) Op {
	return Op{typ: opQuery, query: query, columns: columns, values: rows}
}

// Begin 期望开启事务。
func Begin() Op { return Op{typ: opBegin} }

// Commit 期望提交事务。
func Commit() Op { return Op{typ: opCommit} }

// Rollback 期望回滚事务。
func Rollback() Op { return Op{typ: opRollback} }

// Row 是构造结果行的便捷写法。
func Row(values ...driver.Value) []driver.Value { return values }

// Driver 按顺序消费预期操作。
type Driver struct {
	ops []Op
	idx int32

	mu   sync.Mutex
	args [][]driver.Value
}

var driverSeq atomic.Int32

// NewDB 注册一个新的假驱动并返回连接池。
func NewDB(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

// AssertConsumed 确认全部预期操作都已执行。
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

// Args 返回第 i 条 Exec 或 Query 收到的参数。
func (d *Driver) Args(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	return d.args[i]
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected operationType, query string) (*Op, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %q", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		want := Normalize(op.query)
		got := Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

func (d *Driver) record(args []driver.NamedValue) {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	d.mu.Lock()
	d.args = append(d.args, values)
	d.mu.Unlock()
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	c.driver.record(args)
	if op.err != nil {
		return nil, op.err
	}
	return driver.RowsAffected(op.rowsAffected), nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	c.driver.record(args)
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.columns, values: op.values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠空白，便于比较多行 SQL。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
