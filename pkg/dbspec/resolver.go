package dbspec

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	liberrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/hashing"
)

// ResolutionError is raised when DNS resolution for a shard host fails
// (§4.1, §7).
type ResolutionError struct {
	*liberrors.Error
}

func newResolutionError(format string, args ...interface{}) *ResolutionError {
	return &ResolutionError{liberrors.New(liberrors.CodeResolution, fmt.Sprintf(format, args...))}
}

// resolved is the (address, port) pair a Resolver hands back.
type resolved struct {
	Address string
	Port    int
}

// lookupFunc abstracts net.LookupHost for testability.
type lookupFunc func(name string) ([]string, error)

// Resolver maps a hostname to an (address, port) pair, memoizing the
// result for cacheTTL per name (§4.1). "localhost" always resolves to
// itself on the default port, unchanged, so socket-path handling upstream
// can take over.
type Resolver struct {
	mu       sync.Mutex
	caches   map[uint64]*cache[resolved]
	lookup   lookupFunc
	randIntn func(n int) int
}

// NewResolver builds a Resolver that performs real DNS lookups.
func NewResolver() *Resolver {
	return &Resolver{
		caches:   make(map[uint64]*cache[resolved]),
		lookup:   net.LookupHost,
		randIntn: rand.Intn,
	}
}

var defaultResolver = NewResolver()

// DefaultResolver returns the process-wide default Resolver.
func DefaultResolver() *Resolver { return defaultResolver }

// Resolve resolves name to (address, port), caching the result for 60s.
func (r *Resolver) Resolve(name string) (string, int, error) {
	if name == "localhost" {
		return "localhost", DefaultPort, nil
	}
	key := hashing.CacheKey(name)
	r.mu.Lock()
	c, ok := r.caches[key]
	if !ok {
		c = newCache(cacheTTL, func() (resolved, error) { return r.lookupDNS(name) })
		r.caches[key] = c
	}
	r.mu.Unlock()

	v, err := c.Get()
	if err != nil {
		return "", 0, err
	}
	return v.Address, v.Port, nil
}

func (r *Resolver) lookupDNS(name string) (resolved, error) {
	addrs, err := r.lookup(name)
	if err != nil || len(addrs) == 0 {
		return resolved{}, newResolutionError("failed to resolve %s", name)
	}
	addr := addrs[r.randIntn(len(addrs))]
	return resolved{Address: addr, Port: DefaultPort}, nil
}
