package dbconn

import (
	"fmt"
	"regexp"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sharding-system/pkg/dbspec"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/metrics"
	"github.com/sharding-system/pkg/table"
	"github.com/sharding-system/pkg/worker"
	"go.uber.org/zap"
)

// onShardRe matches the "ON SHARD i[,j...] <rest>" prefix (§4.3) that
// restricts a query to an explicit subset of shards.
var onShardRe = regexp.MustCompile(`(?is)^\s*ON\s+SHARD\s+(\d+(?:\s*,\s*\d+)*)\s+(.*)$`)

// paramRe matches the %(name)s named-parameter placeholders substitute
// fills in (§6).
var paramRe = regexp.MustCompile(`%\(([A-Za-z0-9_]+)\)s`)

// parseOnShard splits an "ON SHARD ..." prefix off query, returning the
// named shard indices and the remaining statement. matched is false when
// query carries no such prefix, in which case idxs/rest are unusable.
func parseOnShard(query string) (idxs []int, rest string, matched bool) {
	m := onShardRe.FindStringSubmatch(query)
	if m == nil {
		return nil, query, false
	}
	for _, part := range strings.Split(m[1], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, query, false
		}
		idxs = append(idxs, n)
	}
	return idxs, m[2], true
}

// substitute replaces %(name)s placeholders with the escaped value from
// params, or the literal SQL of a table.Literal (§6 escaping contract).
func substitute(query string, params map[string]interface{}) string {
	return paramRe.ReplaceAllStringFunc(query, func(match string) string {
		name := paramRe.FindStringSubmatch(match)[1]
		v, ok := params[name]
		if !ok {
			return match
		}
		if lit, ok := v.(table.Literal); ok {
			return lit.SQL
		}
		return table.Escape(v)
	})
}

// MultiConnection fans queries out across every shard of a Spec (§4.6): one
// Connection per shard, queried in parallel and reconciled according to
// which Executor method the caller invokes.
type MultiConnection struct {
	spec   *dbspec.Spec
	conns  map[int]*Connection
	hosts  map[int]string
	logger *logging.Logger

	cacheMu sync.Mutex
	cache   map[string]*table.Table

	closed       atomic.Bool
	createdStack string
}

// Options configures a MultiConnection beyond the Spec itself. Resolver and
// Dialer default to no-DNS-resolution and go-sql-driver/mysql respectively
// when left zero; tests substitute a fake Dialer.
//
// Metrics and MetricsRecorder are mutually exclusive ways to wire
// pkg/metrics in: Metrics applies the same worker.Metrics to every shard
// (fine for a bare Dial), while MetricsRecorder labels each shard's
// observations with its own host via Recorder.ForHost, which Open needs
// since a MultiConnection owns one Connection per shard.
type Options struct {
	Logger          *logging.Logger
	Metrics         worker.Metrics
	MetricsRecorder *metrics.Recorder
	Resolver        *dbspec.Resolver
	Dialer          worker.Dialer
}

// Open builds a MultiConnection with one Connection per shard of spec
// (§4.8: a single-host Spec yields exactly one shard, index 0).
func Open(spec *dbspec.Spec, opts Options) (*MultiConnection, error) {
	shards, err := spec.Shards()
	if err != nil {
		return nil, fmt.Errorf("dbconn: expanding shards: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Noop()
	}

	mc := &MultiConnection{
		spec:         spec,
		conns:        make(map[int]*Connection, len(shards)),
		hosts:        make(map[int]string, len(shards)),
		logger:       logger,
		cache:        make(map[string]*table.Table),
		createdStack: string(debug.Stack()),
	}

	for idx, shard := range shards {
		shardMetrics := opts.Metrics
		if opts.MetricsRecorder != nil {
			shardMetrics = opts.MetricsRecorder.ForHost(shard.Host)
		}
		cfg := connectionConfig(shard.Host, shard.Port, shard.User, shard.Passwd, shard.DB, shard.DBType,
			shard.UnixSocket, shard.ExecuteOnConnect, shard.StreamResults, shard.FatalErrors, idx,
			opts.Resolver, logger, shardMetrics, opts.Dialer)
		mc.conns[idx] = newConnection(cfg, shard.Host, logger)
		mc.hosts[idx] = shard.Host
	}

	runtime.SetFinalizer(mc, finalizeMultiConnection)
	return mc, nil
}

func finalizeMultiConnection(mc *MultiConnection) {
	if mc.closed.Load() {
		return
	}
	mc.logger.Error("dbconn: MultiConnection garbage-collected without Close",
		zap.String("created_at", mc.createdStack))
}

// Close releases every shard's Connection. Idempotent.
func (mc *MultiConnection) Close() {
	if !mc.closed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(mc, nil)
	for _, c := range mc.conns {
		c.Close()
	}
	mc.cacheMu.Lock()
	mc.cache = make(map[string]*table.Table)
	mc.cacheMu.Unlock()
}

// targets resolves which shard connections a (possibly ON-SHARD-prefixed)
// query should run against. An unknown shard index silently selects no
// connection for that index (§4.3).
func (mc *MultiConnection) targets(query string) (map[int]*Connection, string) {
	idxs, rest, matched := parseOnShard(query)
	if !matched {
		return mc.conns, query
	}
	targets := make(map[int]*Connection, len(idxs))
	for _, idx := range idxs {
		if c, ok := mc.conns[idx]; ok {
			targets[idx] = c
		}
	}
	return targets, rest
}

// MultiExecute runs query (after parameter substitution and optional ON
// SHARD parsing) against every targeted shard in parallel, keyed by
// hostname. All Operations are submitted before any are waited on, so
// shards run concurrently even though each Worker itself is serial.
func (mc *MultiConnection) MultiExecute(query string, params map[string]interface{}) (map[string]*table.Table, error) {
	query = substitute(query, params)
	targets, rest := mc.targets(query)

	type pending struct {
		host string
		op   *worker.Operation
	}
	ops := make([]pending, 0, len(targets))
	for idx, conn := range targets {
		ops = append(ops, pending{host: mc.hosts[idx], op: conn.Submit(rest)})
	}

	results := make(map[string]*table.Table, len(ops))
	for _, p := range ops {
		results[p.host] = p.op.Wait()
	}
	return results, nil
}

// Execute runs query and requires every targeted shard to agree on the
// result (§4.6). Disagreement fails with InconsistentResponses.
func (mc *MultiConnection) Execute(query string, params map[string]interface{}) (*table.Table, error) {
	results, err := mc.MultiExecute(query, params)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*table.Table)
	for _, t := range results {
		groups[t.String()] = t
	}
	if len(groups) == 1 {
		for _, t := range groups {
			return t, nil
		}
	}
	return nil, &InconsistentResponses{Results: results}
}

// ExecuteOrDie runs Execute and promotes an Errors/Warnings result into a
// Go error.
func (mc *MultiConnection) ExecuteOrDie(query string, params map[string]interface{}) (*table.Table, error) {
	result, err := mc.Execute(query, params)
	if err != nil {
		return nil, err
	}
	switch result.Kind() {
	case table.KindErrors:
		return nil, &QueryErrorsException{Table: result}
	case table.KindWarnings:
		return nil, &QueryWarningsException{Table: result}
	default:
		return result, nil
	}
}

// ExecuteMerged runs query against every targeted shard and concatenates
// the per-shard row sets into one table, tagging each row with the
// originating host (§4.6). Any shard returning Errors/Warnings fails the
// whole call.
func (mc *MultiConnection) ExecuteMerged(query string, params map[string]interface{}) (*table.Table, error) {
	results, err := mc.MultiExecute(query, params)
	if err != nil {
		return nil, err
	}

	var merged *table.Table
	for _, host := range table.SortedHosts(results) {
		t := results[host]
		switch t.Kind() {
		case table.KindErrors:
			return nil, &QueryErrorsException{Table: t}
		case table.KindWarnings:
			return nil, &QueryWarningsException{Table: t}
		}
		if len(t.Fields()) == 0 {
			continue
		}

		tagged := table.New(t.Fields(), t.Rows(), t.Types())
		if err := tagged.AddField("host", host); err != nil {
			return nil, fmt.Errorf("dbconn: tagging host column: %w", err)
		}

		if merged == nil {
			merged = tagged
			continue
		}
		if err := merged.Merge(tagged); err != nil {
			return nil, &InconsistentSchema{Message: err.Error()}
		}
	}

	if merged == nil {
		return table.New(nil, nil, nil), nil
	}
	return merged, nil
}

// CachedExecute memoizes Execute by the post-substitution query string.
// The cache is unbounded and cleared only by Close.
func (mc *MultiConnection) CachedExecute(query string, params map[string]interface{}) (*table.Table, error) {
	key := substitute(query, params)

	mc.cacheMu.Lock()
	if cached, ok := mc.cache[key]; ok {
		mc.cacheMu.Unlock()
		return cached, nil
	}
	mc.cacheMu.Unlock()

	result, err := mc.Execute(key, nil)
	if err != nil {
		return nil, err
	}

	mc.cacheMu.Lock()
	mc.cache[key] = result
	mc.cacheMu.Unlock()
	return result, nil
}
