// Package routes holds the gateway's static route table: which upstream owns a path prefix,
// whether the body may be buffered, which sub-paths are reachable without credentials and
// which rate limit applies.
package routes

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"

	"microplate/gateway/pkg/ratelimit"
)

// Kind selects how a route's request bodies are forwarded.
type Kind int

const (
	// Buffered routes re-serialize small JSON and form bodies and stream everything else.
	Buffered Kind = iota
	// Streaming routes always pass the raw request stream through.
	Streaming
)

func (k Kind) String() string {
	switch k {
	case Buffered:
		return "buffered"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Entry struct {
	Name   string
	Prefix string
	Target *url.URL
	// UpstreamPrefix replaces Prefix on the upstream; empty means the path is kept as is.
	UpstreamPrefix string
	Kind           Kind
	// Public exempts the whole route from the auth gate.
	Public bool
	// SkipAuthPaths are sub-paths of Prefix reachable without an Authorization header.
	// The empty string stands for the route root.
	SkipAuthPaths []string
	RateLimit     *ratelimit.Policy
}

// UpstreamPath is the path requested from the upstream for the given sub-path.
func (e Entry) UpstreamPath(subPath string) string {
	prefix := e.UpstreamPrefix
	if prefix == "" {
		prefix = e.Prefix
	}
	return prefix + subPath
}

var (
	ErrDuplicatePrefix = errors.New("duplicate route prefix")
	ErrInvalidRoute    = errors.New("invalid route")
)

// Table resolves request paths to routes. It is immutable once built.
type Table struct {
	entries []Entry
}

// NewTable validates the entries and orders them longest prefix first. Entries of equal
// prefix length keep their configured order; they can never both match the same path.
func NewTable(entries ...Entry) (*Table, error) {
	seen := make(map[string]struct{}, len(entries))
	sorted := make([]Entry, 0, len(entries))

	for _, e := range entries {
		e.Prefix = strings.TrimRight(e.Prefix, "/")
		if e.Prefix == "" || !strings.HasPrefix(e.Prefix, "/") {
			return nil, fmt.Errorf("%w: prefix %q must start with '/'", ErrInvalidRoute, e.Prefix)
		}
		if e.Target == nil || e.Target.Scheme == "" || e.Target.Host == "" {
			return nil, fmt.Errorf("%w: %s has no upstream target", ErrInvalidRoute, e.Prefix)
		}
		if _, ok := seen[e.Prefix]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrefix, e.Prefix)
		}
		seen[e.Prefix] = struct{}{}
		sorted = append(sorted, e)
	}

	slices.SortStableFunc(sorted, func(a, b Entry) int {
		return len(b.Prefix) - len(a.Prefix)
	})

	return &Table{entries: sorted}, nil
}

// Resolve returns the most specific route for path and the remainder of the path after the
// prefix. ok is false when no route matches.
func (t *Table) Resolve(path string) (e Entry, subPath string, ok bool) {
	for _, e := range t.entries {
		if sub, ok := matchPrefix(path, e.Prefix); ok {
			return e, sub, true
		}
	}
	return Entry{}, "", false
}

func (t *Table) Entries() []Entry {
	return slices.Clone(t.entries)
}

// matchPrefix reports whether path equals prefix or continues it with a '/'.
func matchPrefix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest == "" || rest[0] == '/' {
		return rest, true
	}
	return "", false
}

// RequiresAuth reports whether a request to subPath of route must carry an Authorization
// header. Only presence is checked; tokens are verified by the upstreams. Dot segments and
// repeated slashes in subPath are resolved before the skip list is consulted.
func RequiresAuth(route Entry, subPath string) bool {
	if route.Public {
		return false
	}
	if subPath != "" {
		subPath = path.Clean(subPath)
	}
	for _, skip := range route.SkipAuthPaths {
		if skip == "" {
			if subPath == "" || subPath == "/" {
				return false
			}
			continue
		}
		if _, ok := matchPrefix(subPath, strings.TrimRight(skip, "/")); ok {
			return false
		}
	}
	return true
}
