package routing

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// ErrAmbiguousRoutes is returned when two routes for the same method are equally
// specific for a common path.
var ErrAmbiguousRoutes = errors.New("ambiguous routes")

type entry struct {
	route   *domain.Route
	pattern pattern
	rank    rank
}

// Table is an immutable, validated route table.
type Table struct {
	byMethod map[string][]entry
	routes   []*domain.Route
}

// NewTable compiles and validates routes. Every route must reference an upstream
// for which knownUpstream returns true; a nil knownUpstream skips that check.
func NewTable(routes []domain.Route, knownUpstream func(string) bool) (*Table, error) {
	t := &Table{byMethod: make(map[string][]entry)}
	ids := make(map[string]struct{}, len(routes))

	for i := range routes {
		route := routes[i]
		route.Method = strings.ToUpper(strings.TrimSpace(route.Method))
		if route.ID == "" {
			route.ID = fmt.Sprintf("%s %s", route.Method, route.Pattern)
		}
		if _, dup := ids[route.ID]; dup {
			return nil, fmt.Errorf("route %q: duplicate route id", route.ID)
		}
		ids[route.ID] = struct{}{}

		if !validMethod(route.Method) {
			return nil, fmt.Errorf("route %q: unsupported method %q", route.ID, route.Method)
		}
		if route.Upstream == "" {
			return nil, fmt.Errorf("route %q: upstream is required", route.ID)
		}
		if knownUpstream != nil && !knownUpstream(route.Upstream) {
			return nil, fmt.Errorf("route %q: unknown upstream %q", route.ID, route.Upstream)
		}

		compiled, err := compilePattern(route.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", route.ID, err)
		}

		stored := &route
		candidate := entry{route: stored, pattern: compiled, rank: compiled.rank()}
		for _, existing := range t.byMethod[route.Method] {
			if existing.rank == candidate.rank && existing.pattern.overlaps(candidate.pattern) {
				return nil, fmt.Errorf("%w: %s %s (%s) and %s (%s) are equally specific",
					ErrAmbiguousRoutes, route.Method, existing.pattern.raw, existing.route.ID, compiled.raw, route.ID)
			}
		}
		t.byMethod[route.Method] = append(t.byMethod[route.Method], candidate)
		t.routes = append(t.routes, stored)
	}

	for method := range t.byMethod {
		slices.SortStableFunc(t.byMethod[method], func(a, b entry) int {
			switch {
			case a.rank.less(b.rank):
				return -1
			case b.rank.less(a.rank):
				return 1
			default:
				return strings.Compare(a.route.ID, b.route.ID)
			}
		})
	}

	return t, nil
}

// Lookup returns the most specific route for method and path, or domain.ErrNoMatch.
func (t *Table) Lookup(method, path string) (*domain.Route, error) {
	if t == nil {
		return nil, domain.ErrNoMatch
	}
	parts := splitPath(path)
	if !safeSegments(parts) {
		return nil, domain.ErrNoMatch
	}
	for _, e := range t.byMethod[strings.ToUpper(method)] {
		if e.pattern.match(parts) {
			return e.route, nil
		}
	}
	return nil, domain.ErrNoMatch
}

// Routes returns the routes in definition order.
func (t *Table) Routes() []*domain.Route {
	if t == nil {
		return nil
	}
	return slices.Clone(t.routes)
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

func validMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Holder publishes the current table to concurrent readers.
type Holder struct {
	current atomic.Pointer[Table]
}

// NewHolder returns a holder serving t.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.current.Store(t)
	return h
}

// Load returns the table in effect.
func (h *Holder) Load() *Table {
	return h.current.Load()
}

// Replace swaps in a new table wholesale.
func (h *Holder) Replace(t *Table) {
	h.current.Store(t)
}

// Lookup resolves against the table in effect.
func (h *Holder) Lookup(method, path string) (*domain.Route, error) {
	return h.Load().Lookup(method, path)
}
