// Package dbspec parses the colon-delimited descriptor string into a Spec,
// expands shard placeholders into a shard->hostname map, and resolves
// hostnames to addresses, all with the 60s TTL caching the original
// google-mysql-tools db.py used (see original_source/pylib/db.py).
package dbspec

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultDBType is the dbtype assumed when a descriptor omits it.
const DefaultDBType = "mysql"

// DefaultPort is the MySQL port assumed when a descriptor omits one.
const DefaultPort = 3306

// Spec is a parsed descriptor plus connection parameters (§3). It is a
// value object: Shards() clones it once per shard.
type Spec struct {
	Host       string
	User       string
	Passwd     string
	DB         string
	DBType     string
	Port       int
	UnixSocket string

	ExecuteOnConnect []string
	StreamResults    bool
	FatalErrors      []int

	expander expander
}

// Options customize parsing/construction beyond the descriptor string.
type Options struct {
	DBType           string
	Port             int
	User             string
	Passwd           string
	DB               string
	ExecuteOnConnect []string
	StreamResults    bool
	FatalErrors      []int
	Passwords        PasswordStore
	Resolver         *Resolver
}

// Parse parses a descriptor string into a Spec (§3).
//
// Grammar: "[type:]host:user:password:db[:port]". Only the literal "mysql"
// is recognized as a type prefix; a descriptor starting with any other
// type name is rejected as having the wrong number of parts, and other
// types are selected through opts.DBType instead. A missing password
// marker ("" or "?") triggers interactive acquisition through opts.Passwords
// (or DefaultPasswordStore if nil); a "pfile=PATH" password reads the
// password from a file. A "socket=PATH" host pins host to "localhost" and
// sets UnixSocket.
func Parse(spec string, opts Options) (*Spec, error) {
	parts := strings.Split(spec, ":")

	dbtype := DefaultDBType
	if len(parts) > 0 && parts[0] == "mysql" {
		dbtype = parts[0]
		parts = parts[1:]
	}
	if opts.DBType != "" {
		dbtype = opts.DBType
	}

	var port int
	if len(parts) == 5 {
		p, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, fmt.Errorf("dbspec: invalid port %q: %w", parts[4], err)
		}
		port = p
		parts = parts[:4]
	}
	if opts.Port != 0 {
		port = opts.Port
	}

	if len(parts) != 4 {
		return nil, fmt.Errorf("dbspec: invalid descriptor %q: wrong number of parts", spec)
	}

	host := parts[0]
	user := parts[1]
	if opts.User != "" {
		user = opts.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	passwd := parts[2]
	if opts.Passwd != "" {
		passwd = opts.Passwd
	}
	db := parts[3]
	if opts.DB != "" {
		db = opts.DB
	}

	return newSpec(host, user, passwd, db, dbtype, port, opts)
}

func newSpec(host, user, passwd, db, dbtype string, port int, opts Options) (*Spec, error) {
	s := &Spec{
		Host:             host,
		User:             user,
		Passwd:           passwd,
		DB:               db,
		DBType:           dbtype,
		Port:             port,
		ExecuteOnConnect: append([]string(nil), opts.ExecuteOnConnect...),
		StreamResults:    opts.StreamResults,
		FatalErrors:      opts.FatalErrors,
	}
	if s.DBType == "" {
		s.DBType = DefaultDBType
	}
	if len(s.FatalErrors) == 0 {
		s.FatalErrors = DefaultFatalErrors()
	}

	if strings.HasPrefix(s.Host, "socket=") {
		s.UnixSocket = s.Host[len("socket="):]
		s.Host = "localhost"
	}

	passwords := opts.Passwords
	if passwords == nil {
		passwords = DefaultPasswordStore()
	}
	switch {
	case s.Passwd == "" || s.Passwd == "?":
		pw, err := passwords.Get(s.User, s.Host)
		if err != nil {
			return nil, fmt.Errorf("dbspec: acquiring password: %w", err)
		}
		s.Passwd = pw
	case strings.HasPrefix(s.Passwd, "pfile="):
		path := s.Passwd[len("pfile="):]
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("dbspec: reading pfile %s: %w", path, err)
		}
		s.Passwd = strings.TrimSpace(string(data))
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = DefaultResolver()
	}
	s.expander = newExpander(host, s, resolver)

	return s, nil
}

// DefaultFatalErrors returns the default set of MySQL error codes that
// invalidate a worker's connection (§4.4 step 7, §6 Defaults).
func DefaultFatalErrors() []int {
	return []int{1142, 1143, 1148, 2003, 2006, 2013, 2014}
}

// Clone returns a deep-enough copy of the Spec for per-shard iteration.
func (s *Spec) Clone() *Spec {
	clone := *s
	clone.ExecuteOnConnect = append([]string(nil), s.ExecuteOnConnect...)
	clone.FatalErrors = append([]int(nil), s.FatalErrors...)
	return &clone
}

// IsSingle reports whether this Spec names exactly one shard (§4.8).
func (s *Spec) IsSingle() bool {
	_, ok := s.expander.(*noopExpander)
	return ok
}

// Shards expands this Spec into one child Spec per shard index (§4.8). A
// single-shard Spec yields {0: clone-of-self}.
func (s *Spec) Shards() (map[int]*Spec, error) {
	expansion, err := s.expander.Expand()
	if err != nil {
		return nil, err
	}
	result := make(map[int]*Spec, len(expansion))
	for shard, host := range expansion {
		child := s.Clone()
		child.Host = host
		if child.DB != "" {
			if strings.Contains(child.DB, ",") {
				parts := strings.Split(child.DB, ",")
				if shard < len(parts) {
					child.DB = parts[shard]
				}
			}
			child.DB = strings.ReplaceAll(child.DB, "#", strconv.Itoa(shard))
		}
		child.expander = newNoOpExpander(child.Host)
		result[shard] = child
	}
	return result, nil
}
