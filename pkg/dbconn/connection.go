// Package dbconn implements Connection/MultiConnection (§4.3, §4.6) on top
// of the Shard Worker: the ON SHARD prefix parser, the fan-out Executor
// mixin, and the hash-expansion config query that pkg/dbspec's Expander
// calls through a registration hook rather than a direct import.
package dbconn

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/sharding-system/pkg/dbspec"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/worker"
	"go.uber.org/zap"
)

// Connection is the thin submit/wait/cancel wrapper around one Worker (C,
// §2).
type Connection struct {
	w      *worker.Worker
	host   string
	logger *logging.Logger

	closed       atomic.Bool
	createdStack string
}

func newConnection(cfg worker.Config, host string, logger *logging.Logger) *Connection {
	c := &Connection{w: worker.New(cfg), host: host, logger: logger, createdStack: string(debug.Stack())}
	runtime.SetFinalizer(c, finalizeConnection)
	return c
}

// finalizeConnection is the "loud diagnostic on implicit destruction"
// required by §7: Close must be explicit, so a Connection collected
// without one logs its creation site.
func finalizeConnection(c *Connection) {
	if c.closed.Load() {
		return
	}
	c.logger.Error("dbconn: Connection garbage-collected without Close",
		zap.String("host", c.host), zap.String("created_at", c.createdStack))
}

// Host returns the shard hostname this Connection targets.
func (c *Connection) Host() string { return c.host }

// Submit queues query on this Connection's worker.
func (c *Connection) Submit(query string) *worker.Operation {
	return c.w.Submit(query)
}

// Cancel interrupts op (§4.5).
func (c *Connection) Cancel(op *worker.Operation) {
	c.w.Cancel(op)
}

// Reset closes the backend handle but leaves the worker goroutine running,
// so the next Submit reconnects lazily. Used by pkg/pool to park an
// overflow connection between Acquire calls without tearing it down.
func (c *Connection) Reset() {
	c.w.Reset()
}

// Close releases the underlying worker. Idempotent.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		runtime.SetFinalizer(c, nil)
		c.w.Close()
	}
}

// Dial builds a single Connection directly from spec, without the implicit
// "SET @shard=N" hook MultiConnection prepends for its own shards (§6).
// spec must name exactly one host; use Open for a Spec that expands to
// multiple shards.
func Dial(spec *dbspec.Spec, opts Options) (*Connection, error) {
	if !spec.IsSingle() {
		return nil, fmt.Errorf("dbconn: Dial requires a single-shard Spec, use Open for multi-shard descriptors")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	connMetrics := opts.Metrics
	if opts.MetricsRecorder != nil {
		connMetrics = opts.MetricsRecorder.ForHost(spec.Host)
	}
	cfg := worker.Config{
		Host:             spec.Host,
		Port:             spec.Port,
		User:             spec.User,
		Passwd:           spec.Passwd,
		DB:               spec.DB,
		DBType:           spec.DBType,
		UnixSocket:       spec.UnixSocket,
		ExecuteOnConnect: spec.ExecuteOnConnect,
		StreamResults:    spec.StreamResults,
		FatalErrors:      spec.FatalErrors,
		Resolver:         opts.Resolver,
		Logger:           logger,
		Metrics:          connMetrics,
		Dialer:           opts.Dialer,
	}
	return newConnection(cfg, spec.Host, logger), nil
}

// connectionConfig builds the worker.Config for one shard, prepending the
// MultiConnection's implicit "SET @shard=N" hook (§6 "On-connect hooks")
// ahead of the Spec's own execute_on_connect statements.
func connectionConfig(host string, port int, user, passwd, db, dbtype, unixSocket string,
	executeOnConnect []string, streamResults bool, fatalErrors []int, shardIndex int,
	resolver *dbspec.Resolver, logger *logging.Logger, metrics worker.Metrics, dialer worker.Dialer) worker.Config {

	hooks := make([]string, 0, len(executeOnConnect)+1)
	hooks = append(hooks, fmt.Sprintf("SET @shard=%d", shardIndex))
	hooks = append(hooks, executeOnConnect...)

	return worker.Config{
		Host:             host,
		Port:             port,
		User:             user,
		Passwd:           passwd,
		DB:               db,
		DBType:           dbtype,
		UnixSocket:       unixSocket,
		ExecuteOnConnect: hooks,
		StreamResults:    streamResults,
		FatalErrors:      fatalErrors,
		Resolver:         resolver,
		Logger:           logger,
		Metrics:          metrics,
		Dialer:           dialer,
	}
}
