package routes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/conneroisu/pagerender/internal/errors"
)

// NormalizePath trims a route and guarantees a leading slash, so "a" and
// "/a" name the same route.
func NormalizePath(route string) string {
	route = strings.TrimSpace(route)
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}

// Set is an insertion-ordered set of normalized routes. It is not safe for
// concurrent mutation.
type Set struct {
	order []string
	seen  map[string]struct{}
}

// NewSet creates a set seeded with routes.
func NewSet(routes ...string) *Set {
	s := &Set{seen: make(map[string]struct{})}
	for _, r := range routes {
		s.Add(r)
	}
	return s
}

// Add normalizes route and inserts it. It reports whether the route was new.
func (s *Set) Add(route string) bool {
	route = NormalizePath(route)
	if _, ok := s.seen[route]; ok {
		return false
	}
	s.seen[route] = struct{}{}
	s.order = append(s.order, route)
	return true
}

// Has reports whether the normalized route is present.
func (s *Set) Has(route string) bool {
	_, ok := s.seen[NormalizePath(route)]
	return ok
}

// Values returns the routes in insertion order.
func (s *Set) Values() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of routes.
func (s *Set) Len() int {
	return len(s.order)
}

// ParseRoutes reads newline-delimited routes. Both "\n" and "\r\n" line
// endings are accepted; blank lines are skipped and each route is trimmed
// and normalized. Duplicates are kept; collapse them with a Set.
func ParseRoutes(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, NormalizePath(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRoutesFile loads a routes file. A missing or unreadable file is a
// configuration error.
func ReadRoutesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeRoutesFile,
			fmt.Sprintf("failed to open routes file %s", path))
	}
	defer f.Close()

	routes, err := ParseRoutes(f)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeRoutesFile,
			fmt.Sprintf("failed to read routes file %s", path))
	}
	return routes, nil
}
