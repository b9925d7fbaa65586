// Package pool implements the bounded Connection Pool (§4.7): a
// self-resizing set of pre-built, lazily-connecting Connections shared by
// concurrent callers via Acquire/Release.
package pool

import (
	"sync"

	"github.com/sharding-system/pkg/dbconn"
	"github.com/sharding-system/pkg/metrics"
	"github.com/sharding-system/pkg/table"
	"github.com/sharding-system/pkg/worker"
)

// DefaultMaxOpen is the default total number of Connections a Pool holds.
const DefaultMaxOpen = 5

// DefaultMaxOpenUnused is the default number of idle-but-connected spares
// a Pool keeps before closing the handle on release (§4.7 defaults).
const DefaultMaxOpenUnused = 1

// Factory builds one pool member. Called maxOpen times at construction;
// the returned Connection's worker goroutine starts immediately, but it
// does not dial the backend until its first query (§4.4 step 1).
type Factory func() (*dbconn.Connection, error)

// Pool is a thread-safe, self-resizing pool of Connections (§4.7).
type Pool struct {
	maxOpenUnused int

	mu           sync.Mutex
	cond         *sync.Cond
	openSpares   []*dbconn.Connection
	closedSpares []*dbconn.Connection
	closed       bool

	name     string
	recorder *metrics.Recorder
}

// WithMetrics reports this pool's immediately-available spare count to
// recorder under name (§4.7's IsAvailable, made observable). Optional; a
// Pool with no recorder set behaves exactly as before. Returns p for
// chaining after New.
func (p *Pool) WithMetrics(recorder *metrics.Recorder, name string) *Pool {
	p.mu.Lock()
	p.recorder = recorder
	p.name = name
	p.mu.Unlock()
	p.reportAvailable()
	return p
}

// reportAvailable must be called without holding p.mu.
func (p *Pool) reportAvailable() {
	p.mu.Lock()
	recorder, name := p.recorder, p.name
	n := len(p.openSpares) + len(p.closedSpares)
	p.mu.Unlock()
	if recorder != nil {
		recorder.SetPoolAvailable(name, n)
	}
}

// New builds a Pool of maxOpen Connections (zero defaults to
// DefaultMaxOpen), keeping up to maxOpenUnused of them open-and-idle (zero
// defaults to DefaultMaxOpenUnused). All connections are built eagerly but
// none dial the backend yet.
func New(factory Factory, maxOpen, maxOpenUnused int) (*Pool, error) {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpen
	}
	if maxOpenUnused <= 0 {
		maxOpenUnused = DefaultMaxOpenUnused
	}

	p := &Pool{maxOpenUnused: maxOpenUnused}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < maxOpen; i++ {
		conn, err := factory()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closedSpares = append(p.closedSpares, conn)
	}
	return p, nil
}

// IsAvailable reports whether Acquire would return immediately. The result
// is advisory: it may be stale by the time the caller acts on it.
func (p *Pool) IsAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.openSpares)+len(p.closedSpares) > 0
}

// Close closes every connection currently in the pool. Connections checked
// out via Acquire and never released are leaked, matching the source's
// "those still checked out are lost" contract.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for _, c := range p.openSpares {
		c.Close()
	}
	for _, c := range p.closedSpares {
		c.Close()
	}
	p.openSpares = nil
	p.closedSpares = nil
	p.closed = true
	p.mu.Unlock()
	p.reportAvailable()
}

// Acquire returns a Connection from the pool, blocking if none are spare.
// The caller must call Release when done, or the connection is orphaned.
func (p *Pool) Acquire() *dbconn.Connection {
	p.mu.Lock()
	for len(p.openSpares) == 0 && len(p.closedSpares) == 0 {
		p.cond.Wait()
	}
	var c *dbconn.Connection
	if n := len(p.openSpares); n > 0 {
		c = p.openSpares[n-1]
		p.openSpares = p.openSpares[:n-1]
	} else {
		n := len(p.closedSpares)
		c = p.closedSpares[n-1]
		p.closedSpares = p.closedSpares[:n-1]
	}
	p.mu.Unlock()
	p.reportAvailable()
	return c
}

// Release returns conn to the pool. The caller must not use conn again
// after calling Release. Beyond maxOpenUnused spares, the connection's
// backend handle is reset (not torn down) before parking it as a cold
// spare (§4.7).
func (p *Pool) Release(conn *dbconn.Connection) {
	p.mu.Lock()
	if len(p.openSpares) < p.maxOpenUnused {
		p.openSpares = append(p.openSpares, conn)
	} else {
		conn.Reset()
		p.closedSpares = append(p.closedSpares, conn)
	}
	p.cond.Signal()
	p.mu.Unlock()
	p.reportAvailable()
}

// Operation is the opaque handle Submit returns: the acquired Connection
// plus its in-flight worker.Operation.
type Operation struct {
	conn *dbconn.Connection
	op   *worker.Operation
}

// Submit acquires a Connection and submits query on it without blocking
// for completion.
func (p *Pool) Submit(query string) *Operation {
	conn := p.Acquire()
	return &Operation{conn: conn, op: conn.Submit(query)}
}

// Wait blocks for op to complete and releases its Connection back to the
// pool.
func (p *Pool) Wait(op *Operation) *table.Table {
	result := op.op.Wait()
	p.Release(op.conn)
	return result
}

// TryWait reports whether Wait would return immediately, without
// releasing the Connection.
func (p *Pool) TryWait(op *Operation) (*table.Table, bool) {
	return op.op.TryWait()
}

// Cancel interrupts op's in-flight query (§4.5). The Connection is still
// released only by a subsequent Wait.
func (p *Pool) Cancel(op *Operation) {
	op.conn.Cancel(op.op)
}
