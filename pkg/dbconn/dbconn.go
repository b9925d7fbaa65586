package dbconn

import (
	"fmt"

	"github.com/sharding-system/pkg/dbspec"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/table"
	"github.com/sharding-system/pkg/worker"
)

func init() {
	dbspec.SetHashQuerier(queryNumShards)
}

// hashQuerierDialer overrides the Dialer queryNumShards uses. Nil in
// production (the default go-sql-driver/mysql dialer); tests substitute a
// fake one the same way worker.Config.Dialer does.
var hashQuerierDialer worker.Dialer

// queryNumShards runs the hash-expansion config query (§4.2 rule 1, §6)
// against the probe spec's shard-0 host. It builds a Connection directly
// from the probe's fields rather than calling probe.Shards(): the probe is
// itself the product of a '#'-substitution performed inside a hashExpander
// whose cache lock is already held by the in-flight Expand() call, and
// probe.expander still carries that same expander (it was only cloned, not
// reset), so calling Shards() here would re-enter that lock and deadlock.
func queryNumShards(spec *dbspec.Spec) (int, error) {
	cfg := connectionConfig(spec.Host, spec.Port, spec.User, spec.Passwd, spec.DB, spec.DBType,
		spec.UnixSocket, spec.ExecuteOnConnect, false, spec.FatalErrors, 0,
		nil, logging.Noop(), nil, hashQuerierDialer)

	w := worker.New(cfg)
	defer w.Close()

	result := w.Submit("SELECT NumShards FROM ConfigurationGlobals").Wait()
	if result.Kind() != table.KindRows {
		return 0, fmt.Errorf("dbconn: hash expansion config query failed: %s", result)
	}
	rows := result.Rows()
	if len(rows) == 0 {
		return 0, fmt.Errorf("dbconn: hash expansion config query returned no rows")
	}
	n, err := table.Int64(rows[0][0])
	if err != nil {
		return 0, fmt.Errorf("dbconn: parsing NumShards: %w", err)
	}
	return int(n), nil
}
