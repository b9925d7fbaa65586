package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sharding-system/pkg/worker"
)

// fakeServer simulates one shard's MySQL backend for dbconn tests: it
// answers CONNECTION_ID()/warning_count automatically and serves canned
// responses for everything else, without touching the network.
type fakeServer struct {
	mu        sync.Mutex
	nextConnID int64
	responses map[string]*fakeResponse
}

type fakeResponse struct {
	cols []string
	rows [][]driver.Value
	err  error
}

func newFakeServer() *fakeServer {
	return &fakeServer{responses: make(map[string]*fakeResponse)}
}

func (s *fakeServer) setResponse(query string, resp *fakeResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[query] = resp
}

var fakeRegistry = struct {
	mu      sync.Mutex
	servers map[string]*fakeServer
}{servers: make(map[string]*fakeServer)}

func registerFakeServer(key string, s *fakeServer) {
	fakeRegistry.mu.Lock()
	defer fakeRegistry.mu.Unlock()
	fakeRegistry.servers[key] = s
}

func fakeDialer() worker.Dialer {
	return func(cfg worker.Config, host string, port int) (*sql.DB, error) {
		key := fmt.Sprintf("%s:%d", host, port)
		fakeRegistry.mu.Lock()
		_, ok := fakeRegistry.servers[key]
		fakeRegistry.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("fakeserver: no server registered for %s", key)
		}
		return sql.Open("fakemysql-dbconn", key)
	}
}

type fakeDriverImpl struct{}

func (fakeDriverImpl) Open(name string) (driver.Conn, error) {
	fakeRegistry.mu.Lock()
	s, ok := fakeRegistry.servers[name]
	fakeRegistry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeserver: no server registered for %s", name)
	}
	return &fakeConn{server: s}, nil
}

var registerDriverOnce sync.Once

func registerFakeDriver() {
	registerDriverOnce.Do(func() {
		sql.Register("fakemysql-dbconn", fakeDriverImpl{})
	})
}

type fakeConn struct {
	server *fakeServer
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("fakeserver: Prepare not supported, query=%q", query)
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakeserver: transactions not supported")
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	query = strings.TrimSpace(query)
	switch query {
	case "SELECT CONNECTION_ID()":
		id := atomic.AddInt64(&c.server.nextConnID, 1)
		return &singleValueRows{col: "CONNECTION_ID()", val: id}, nil
	case "SELECT @@SESSION.warning_count":
		return &singleValueRows{col: "@@SESSION.warning_count", val: 0}, nil
	}

	c.server.mu.Lock()
	resp, ok := c.server.responses[query]
	c.server.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeserver: unexpected query %q", query)
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &fakeRows{cols: resp.cols, rows: resp.rows}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return fakeResult{}, nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

type singleValueRows struct {
	col    string
	val    int64
	served bool
}

func (r *singleValueRows) Columns() []string { return []string{r.col} }
func (r *singleValueRows) Close() error      { return nil }
func (r *singleValueRows) Next(dest []driver.Value) error {
	if r.served {
		return io.EOF
	}
	r.served = true
	dest[0] = r.val
	return nil
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }

func driverRow(vals ...driver.Value) []driver.Value      { return vals }
func driverRows(rows ...[]driver.Value) [][]driver.Value { return rows }
