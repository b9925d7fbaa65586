package dbconn

import (
	"fmt"
	"strings"

	"github.com/sharding-system/pkg/table"
)

// InconsistentResponses is returned by Execute (§4.6) when shards disagree
// on the result for the same query.
type InconsistentResponses struct {
	Results map[string]*table.Table
}

func (e *InconsistentResponses) Error() string {
	hosts := table.SortedHosts(e.Results)
	return fmt.Sprintf("dbconn: inconsistent responses across shards: %s", strings.Join(hosts, ", "))
}

// InconsistentSchema is returned by ExecuteMerged when per-shard results
// don't share a field list after the host column is appended.
type InconsistentSchema struct {
	Message string
}

func (e *InconsistentSchema) Error() string { return e.Message }

// QueryErrorsException is returned by ExecuteOrDie/ExecuteMerged when a
// shard's result is an Errors table.
type QueryErrorsException struct {
	Table *table.Table
}

func (e *QueryErrorsException) Error() string {
	rows := e.Table.Rows()
	if len(rows) == 0 {
		return "dbconn: query errors"
	}
	return fmt.Sprintf("dbconn: query error %v: %v", rows[0][0], rows[0][1])
}

// QueryWarningsException is returned by ExecuteOrDie/ExecuteMerged when a
// shard's result is a Warnings table.
type QueryWarningsException struct {
	Table *table.Table
}

func (e *QueryWarningsException) Error() string {
	return "dbconn: query produced warnings"
}
