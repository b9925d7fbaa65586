package dbspec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// expander turns a descriptor's host placeholder into a shard->hostname
// map (§4.2). Exactly one strategy is chosen per Spec, by first matching
// rule, and cached with the same 60s TTL as the Resolver.
type expander interface {
	Expand() (map[int]string, error)
}

var rangeRe = regexp.MustCompile(`\{(\d+)\.\.(\d+)\}`)

// newExpander picks the expansion strategy for name by first matching
// rule: '#' -> hash, ',' -> list, '{a..b}' -> range, else -> no-op (§4.2).
func newExpander(name string, spec *Spec, resolver *Resolver) expander {
	switch {
	case strings.Contains(name, "#"):
		return newHashExpander(name, spec)
	case strings.Contains(name, ","):
		return newListExpander(name)
	case rangeRe.MatchString(name):
		return newRangeExpander(name)
	default:
		return newNoOpExpander(name)
	}
}

// rangeExpander expands "{a..b}" into shard indices a..b inclusive.
type rangeExpander struct {
	cache *cache[map[int]string]
}

func newRangeExpander(name string) *rangeExpander {
	return &rangeExpander{cache: newCache(cacheTTL, func() (map[int]string, error) {
		m := rangeRe.FindStringSubmatch(name)
		start, _ := strconv.Atoi(m[1])
		end, _ := strconv.Atoi(m[2])
		if end < start {
			return nil, fmt.Errorf("dbspec: invalid range {%d..%d}", start, end)
		}
		expansion := make(map[int]string, end-start+1)
		for i := start; i <= end; i++ {
			expansion[i] = strings.Replace(name, m[0], strconv.Itoa(i), 1)
		}
		return expansion, nil
	})}
}

func (e *rangeExpander) Expand() (map[int]string, error) { return e.cache.Get() }

// listExpander expands a comma-separated explicit host list; shard index
// is list position.
type listExpander struct {
	cache *cache[map[int]string]
}

func newListExpander(name string) *listExpander {
	return &listExpander{cache: newCache(cacheTTL, func() (map[int]string, error) {
		hosts := strings.Split(name, ",")
		expansion := make(map[int]string, len(hosts))
		for i, h := range hosts {
			expansion[i] = h
		}
		return expansion, nil
	})}
}

func (e *listExpander) Expand() (map[int]string, error) { return e.cache.Get() }

// noopExpander is the single-shard identity expansion: {0: name}.
type noopExpander struct {
	cache *cache[map[int]string]
}

func newNoOpExpander(name string) *noopExpander {
	return &noopExpander{cache: newCache(cacheTTL, func() (map[int]string, error) {
		return map[int]string{0: name}, nil
	})}
}

func (e *noopExpander) Expand() (map[int]string, error) { return e.cache.Get() }

// hashQuerier runs the hash-expansion config query (§4.2 rule 1, §6 "Config
// query") against shard 0 of spec and returns NumShards. It is registered
// by package dbconn at init time rather than imported directly, breaking
// the Spec<->Expander<->MultiConnection cycle the same way database/sql
// breaks the driver-registration cycle: dbconn depends on dbspec, and
// dbspec exposes a registration hook dbconn calls from its own init().
type hashQuerier func(spec *Spec) (int, error)

var registeredHashQuerier hashQuerier

// SetHashQuerier registers the function hashExpander uses to run
// "SELECT NumShards FROM ConfigurationGlobals" against shard 0. Called once,
// from pkg/dbconn's init().
func SetHashQuerier(q func(spec *Spec) (int, error)) {
	registeredHashQuerier = q
}

// hashExpander expands '#' in name by querying NumShards from shard 0
// (§4.2 rule 1). This is the only expander that performs I/O. It does not
// recurse: the probe spec has '#' replaced by 0 in its host and db, and the
// registered querier connects to that host directly without expanding the
// probe (which still carries this same expander).
type hashExpander struct {
	cache *cache[map[int]string]
}

func newHashExpander(name string, spec *Spec) *hashExpander {
	return &hashExpander{cache: newCache(cacheTTL, func() (map[int]string, error) {
		if registeredHashQuerier == nil {
			return nil, fmt.Errorf("dbspec: hash expansion requires pkg/dbconn to be imported")
		}
		probe := spec.Clone()
		probe.Host = strings.ReplaceAll(name, "#", "0")
		probe.DB = strings.ReplaceAll(probe.DB, "#", "0")

		count, err := registeredHashQuerier(probe)
		if err != nil {
			return nil, err
		}
		expansion := make(map[int]string, count)
		for i := 0; i < count; i++ {
			expansion[i] = strings.ReplaceAll(name, "#", strconv.Itoa(i))
		}
		return expansion, nil
	})}
}

func (e *hashExpander) Expand() (map[int]string, error) { return e.cache.Get() }
