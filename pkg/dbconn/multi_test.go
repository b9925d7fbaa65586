package dbconn

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sharding-system/pkg/dbspec"
	"github.com/sharding-system/pkg/table"
)

func newTestMultiConnection(t *testing.T, descriptor string, servers map[string]*fakeServer) *MultiConnection {
	t.Helper()
	registerFakeDriver()
	for key, s := range servers {
		registerFakeServer(key, s)
	}

	spec, err := dbspec.Parse(descriptor, dbspec.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	mc, err := Open(spec, Options{Dialer: fakeDialer()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(mc.Close)
	return mc
}

func rowsResponse(col string, val int64) *fakeResponse {
	return &fakeResponse{cols: []string{col}, rows: driverRows(driverRow(val))}
}

func TestParseOnShardPrefix(t *testing.T) {
	idxs, rest, matched := parseOnShard("ON SHARD 0, 2 SELECT 1")
	if !matched {
		t.Fatal("expected match")
	}
	if len(idxs) != 2 || idxs[0] != 0 || idxs[1] != 2 {
		t.Fatalf("unexpected indices: %v", idxs)
	}
	if rest != "SELECT 1" {
		t.Fatalf("unexpected rest: %q", rest)
	}
}

func TestParseOnShardNoPrefix(t *testing.T) {
	_, rest, matched := parseOnShard("SELECT 1")
	if matched {
		t.Fatal("expected no match")
	}
	if rest != "SELECT 1" {
		t.Fatalf("unexpected rest: %q", rest)
	}
}

func TestSubstituteEscapesAndLiteral(t *testing.T) {
	query := "SELECT * FROM t WHERE id = %(id)s AND raw = %(raw)s"
	got := substitute(query, map[string]interface{}{
		"id":  "a'b",
		"raw": table.Literal{SQL: "NOW()"},
	})
	want := "SELECT * FROM t WHERE id = 'a''b' AND raw = NOW()"
	if got != want {
		t.Fatalf("substitute() = %q, want %q", got, want)
	}
}

func TestMultiExecuteFansOutAcrossShards(t *testing.T) {
	s0, s1 := newFakeServer(), newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))
	s1.setResponse("SELECT x", rowsResponse("x", 2))

	mc := newTestMultiConnection(t, "h0,h1:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
		"h1:3306": s1,
	})

	results, err := mc.MultiExecute("SELECT x", nil)
	if err != nil {
		t.Fatalf("MultiExecute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if rows := results["h0"].Rows(); len(rows) != 1 || rows[0][0] != int64(1) {
		t.Fatalf("unexpected h0 rows: %v", rows)
	}
	if rows := results["h1"].Rows(); len(rows) != 1 || rows[0][0] != int64(2) {
		t.Fatalf("unexpected h1 rows: %v", rows)
	}
}

func TestExecuteRequiresAgreement(t *testing.T) {
	s0, s1 := newFakeServer(), newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))
	s1.setResponse("SELECT x", rowsResponse("x", 1))

	mc := newTestMultiConnection(t, "h0,h1:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
		"h1:3306": s1,
	})

	result, err := mc.Execute("SELECT x", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rows := result.Rows(); len(rows) != 1 || rows[0][0] != int64(1) {
		t.Fatalf("unexpected result rows: %v", rows)
	}
}

func TestExecuteReportsInconsistentResponses(t *testing.T) {
	s0, s1 := newFakeServer(), newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))
	s1.setResponse("SELECT x", rowsResponse("x", 2))

	mc := newTestMultiConnection(t, "h0,h1:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
		"h1:3306": s1,
	})

	_, err := mc.Execute("SELECT x", nil)
	if err == nil {
		t.Fatal("expected InconsistentResponses error")
	}
	var ir *InconsistentResponses
	if !asInconsistentResponses(err, &ir) {
		t.Fatalf("expected *InconsistentResponses, got %T: %v", err, err)
	}
	if msg := err.Error(); !strings.Contains(msg, "h0") || !strings.Contains(msg, "h1") {
		t.Fatalf("expected message to mention both hosts, got %q", msg)
	}
	if strings.Index(err.Error(), "h0") > strings.Index(err.Error(), "h1") {
		t.Fatalf("expected hosts in lexicographic order, got %q", err.Error())
	}
}

func asInconsistentResponses(err error, out **InconsistentResponses) bool {
	ir, ok := err.(*InconsistentResponses)
	if ok {
		*out = ir
	}
	return ok
}

func TestExecuteOnShardTargetsSubset(t *testing.T) {
	s0, s1 := newFakeServer(), newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))

	mc := newTestMultiConnection(t, "h0,h1:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
		"h1:3306": s1,
	})

	results, err := mc.MultiExecute("ON SHARD 0 SELECT x", nil)
	if err != nil {
		t.Fatalf("MultiExecute: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 targeted result, got %d", len(results))
	}
	if _, ok := results["h0"]; !ok {
		t.Fatalf("expected h0 in results, got %v", results)
	}
}

func TestExecuteMergedAppendsHostColumn(t *testing.T) {
	s0, s1 := newFakeServer(), newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))
	s1.setResponse("SELECT x", rowsResponse("x", 2))

	mc := newTestMultiConnection(t, "h0,h1:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
		"h1:3306": s1,
	})

	merged, err := mc.ExecuteMerged("SELECT x", nil)
	if err != nil {
		t.Fatalf("ExecuteMerged: %v", err)
	}
	wantFields := []string{"x", "host"}
	if fields := merged.Fields(); len(fields) != 2 || fields[0] != wantFields[0] || fields[1] != wantFields[1] {
		t.Fatalf("unexpected fields: %v", fields)
	}
	rows := merged.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 merged rows, got %d", len(rows))
	}
	seen := map[string]bool{}
	for _, row := range rows {
		seen[fmt.Sprint(row[1])] = true
	}
	if !seen["h0"] || !seen["h1"] {
		t.Fatalf("expected rows tagged with both hosts, got %v", rows)
	}
}

func TestExecuteMergedFailsOnShardError(t *testing.T) {
	s0, s1 := newFakeServer(), newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))
	s1.setResponse("SELECT x", &fakeResponse{err: fmt.Errorf("boom")})

	mc := newTestMultiConnection(t, "h0,h1:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
		"h1:3306": s1,
	})

	_, err := mc.ExecuteMerged("SELECT x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*QueryErrorsException); !ok {
		t.Fatalf("expected *QueryErrorsException, got %T: %v", err, err)
	}
}

func TestCachedExecuteMemoizes(t *testing.T) {
	s0 := newFakeServer()
	s0.setResponse("SELECT x", rowsResponse("x", 1))

	mc := newTestMultiConnection(t, "h0:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
	})

	first, err := mc.CachedExecute("SELECT x", nil)
	if err != nil {
		t.Fatalf("CachedExecute: %v", err)
	}
	s0.setResponse("SELECT x", rowsResponse("x", 999))

	second, err := mc.CachedExecute("SELECT x", nil)
	if err != nil {
		t.Fatalf("CachedExecute: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("expected cached result to be reused: first=%v second=%v", first, second)
	}
}

func TestExecuteOrDiePromotesErrors(t *testing.T) {
	s0 := newFakeServer()
	s0.setResponse("SELECT x", &fakeResponse{err: fmt.Errorf("boom")})

	mc := newTestMultiConnection(t, "h0:user:pass:db:3306", map[string]*fakeServer{
		"h0:3306": s0,
	})

	_, err := mc.ExecuteOrDie("SELECT x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*QueryErrorsException); !ok {
		t.Fatalf("expected *QueryErrorsException, got %T: %v", err, err)
	}
}
