package routing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

func budgetRoutes() []domain.Route {
	return []domain.Route{
		{ID: "accounts-get", Method: "GET", Pattern: "/accounts/{id}", Upstream: "core-service", RequiredClaims: domain.NewClaimSet("user")},
		{ID: "accounts-me", Method: "GET", Pattern: "/accounts/me", Upstream: "core-service", RequiredClaims: domain.NewClaimSet("user")},
		{ID: "accounts-any", Method: "GET", Pattern: "/accounts/*", Upstream: "core-service"},
		{ID: "transfers", Method: "POST", Pattern: "/transfers", Upstream: "core-service", RequiredClaims: domain.NewClaimSet("user")},
		{ID: "insights", Method: "GET", Pattern: "/insights/*", Upstream: "ai-service", RequiredClaims: domain.NewClaimSet("user")},
		{ID: "ping", Method: "GET", Pattern: "/api/ping", Upstream: "core-service"},
	}
}

func TestLookupPrecedence(t *testing.T) {
	table, err := NewTable(budgetRoutes(), nil)
	require.NoError(t, err)

	cases := []struct {
		method, path, want string
	}{
		{"GET", "/accounts/me", "accounts-me"},
		{"GET", "/accounts/42", "accounts-get"},
		{"GET", "/accounts/42/statements", "accounts-any"},
		{"get", "/accounts/42/", "accounts-get"},
		{"POST", "/transfers", "transfers"},
		{"GET", "/insights/spending/monthly", "insights"},
		{"GET", "/api/ping", "ping"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			route, err := table.Lookup(tc.method, tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, route.ID)
		})
	}
}

func TestLookupNoMatch(t *testing.T) {
	table, err := NewTable(budgetRoutes(), nil)
	require.NoError(t, err)

	for _, tc := range []struct{ method, path string }{
		{"DELETE", "/accounts/42"},
		{"GET", "/insights"},
		{"GET", "/transfers"},
		{"GET", "/unknown"},
		{"GET", "/"},
	} {
		_, err := table.Lookup(tc.method, tc.path)
		assert.ErrorIs(t, err, domain.ErrNoMatch, "%s %s", tc.method, tc.path)
	}
}

func TestLookupRefusesDotAndEmptySegments(t *testing.T) {
	table, err := NewTable(budgetRoutes(), nil)
	require.NoError(t, err)

	for _, path := range []string{
		"/accounts/..",
		"/accounts/.",
		"/insights/../accounts/42",
		"/insights/./spending",
		"/accounts//statements",
	} {
		_, err := table.Lookup("GET", path)
		assert.ErrorIs(t, err, domain.ErrNoMatch, path)
	}
}

func TestCheckPath(t *testing.T) {
	cases := []struct {
		name, decoded, escaped string
		wantErr                bool
	}{
		{name: "plain", decoded: "/accounts/42", escaped: "/accounts/42"},
		{name: "trailing slash", decoded: "/accounts/42/", escaped: "/accounts/42/"},
		{name: "root", decoded: "/", escaped: "/"},
		{name: "escaped space", decoded: "/insights/a b", escaped: "/insights/a%20b"},
		{name: "dot dot", decoded: "/public/../accounts/42", escaped: "/public/../accounts/42", wantErr: true},
		{name: "encoded dot dot", decoded: "/public/../accounts/42", escaped: "/public/%2e%2e/accounts/42", wantErr: true},
		{name: "encoded slash", decoded: "/public/../accounts/42", escaped: "/public/..%2Faccounts%2F42", wantErr: true},
		{name: "encoded slash in segment", decoded: "/public/a/b", escaped: "/public/a%2fb", wantErr: true},
		{name: "encoded backslash", decoded: "/public/a\\b", escaped: "/public/a%5Cb", wantErr: true},
		{name: "single dot", decoded: "/public/./x", escaped: "/public/./x", wantErr: true},
		{name: "empty segment", decoded: "/public//x", escaped: "/public//x", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPath(tc.decoded, tc.escaped)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnsafePath)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewTableRejectsAmbiguousRoutes(t *testing.T) {
	cases := map[string][]domain.Route{
		"duplicate exact": {
			{ID: "a", Method: "GET", Pattern: "/budgets", Upstream: "core-service"},
			{ID: "b", Method: "GET", Pattern: "/budgets", Upstream: "ai-service"},
		},
		"crossing params": {
			{ID: "a", Method: "GET", Pattern: "/budgets/{id}/lines", Upstream: "core-service"},
			{ID: "b", Method: "GET", Pattern: "/budgets/current/{line}", Upstream: "core-service"},
		},
		"renamed param": {
			{ID: "a", Method: "PUT", Pattern: "/budgets/{id}", Upstream: "core-service"},
			{ID: "b", Method: "PUT", Pattern: "/budgets/{budgetId}", Upstream: "core-service"},
		},
	}
	for name, routes := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(routes, nil)
			assert.ErrorIs(t, err, ErrAmbiguousRoutes)
		})
	}
}

func TestNewTableAllowsSameShapeOnDifferentMethods(t *testing.T) {
	_, err := NewTable([]domain.Route{
		{ID: "get", Method: "GET", Pattern: "/budgets/{id}", Upstream: "core-service"},
		{ID: "del", Method: "DELETE", Pattern: "/budgets/{id}", Upstream: "core-service"},
		{ID: "other", Method: "GET", Pattern: "/goals/{id}", Upstream: "core-service"},
	}, nil)
	assert.NoError(t, err)
}

func TestNewTableValidation(t *testing.T) {
	known := func(id string) bool { return id == "core-service" }

	cases := map[string]domain.Route{
		"unknown upstream": {ID: "x", Method: "GET", Pattern: "/x", Upstream: "missing"},
		"bad method":       {ID: "x", Method: "TRACE", Pattern: "/x", Upstream: "core-service"},
		"relative path":    {ID: "x", Method: "GET", Pattern: "x", Upstream: "core-service"},
		"inner catch-all":  {ID: "x", Method: "GET", Pattern: "/x/*/y", Upstream: "core-service"},
		"empty param":      {ID: "x", Method: "GET", Pattern: "/x/{}", Upstream: "core-service"},
		"no upstream":      {ID: "x", Method: "GET", Pattern: "/x"},
	}
	for name, route := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable([]domain.Route{route}, known)
			assert.Error(t, err)
		})
	}
}

func TestLookupIsDeterministicProperty(t *testing.T) {
	table, err := NewTable(budgetRoutes(), nil)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		method := rapid.SampledFrom([]string{"GET", "POST", "DELETE"}).Draw(rt, "method")
		segs := rapid.SliceOfN(rapid.SampledFrom([]string{"accounts", "me", "42", "insights", "transfers", "api", "ping"}), 0, 4).Draw(rt, "segments")
		path := "/"
		for i, s := range segs {
			if i > 0 {
				path += "/"
			}
			path += s
		}

		first, firstErr := table.Lookup(method, path)
		for i := 0; i < 5; i++ {
			again, err := table.Lookup(method, path)
			if (firstErr == nil) != (err == nil) || first != again {
				rt.Fatalf("lookup %s %s not deterministic", method, path)
			}
		}
	})
}

func TestHolderReplaceIsAtomic(t *testing.T) {
	v1, err := NewTable([]domain.Route{{ID: "v1", Method: "GET", Pattern: "/x", Upstream: "core-service"}}, nil)
	require.NoError(t, err)
	v2, err := NewTable([]domain.Route{{ID: "v2", Method: "GET", Pattern: "/x", Upstream: "ai-service"}}, nil)
	require.NoError(t, err)

	holder := NewHolder(v1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				route, err := holder.Lookup("GET", "/x")
				if err != nil {
					panic(err)
				}
				// A reader sees either the old or the new route, never a mix.
				if !(route.ID == "v1" && route.Upstream == "core-service") && !(route.ID == "v2" && route.Upstream == "ai-service") {
					panic(fmt.Sprintf("torn route %+v", route))
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			holder.Replace(v2)
		} else {
			holder.Replace(v1)
		}
	}
	wg.Wait()
}
