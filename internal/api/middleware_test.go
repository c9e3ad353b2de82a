package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokerage/internal/memstore"
)

type requestRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *requestRecorder) ObserveRequest(method, path string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, path)
}

func TestRequestLogger_RouteLabel(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		route string
	}{
		{name: "Matched", path: "/healthz", route: "/healthz"},
		{name: "UnknownRoot", path: "/random-1", route: unmatchedRoute},
		{name: "OtherUnknownRoot", path: "/random-2", route: unmatchedRoute},
		{name: "UnknownNested", path: "/not/a/route/123", route: unmatchedRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &requestRecorder{}
			h := NewHandler(nil, nil, nil, memstore.New(), nil)
			router := NewRouter(h, RouterOptions{Recorder: rec})

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Len(t, rec.routes, 1)
			assert.Equal(t, tt.route, rec.routes[0])
		})
	}
}

func TestRequestLogger_UnknownAPIPathNotLabelledRaw(t *testing.T) {
	rec := &requestRecorder{}
	h := NewHandler(nil, nil, nil, memstore.New(), nil)
	router := NewRouter(h, RouterOptions{Recorder: rec})

	for _, path := range []string{"/api/nope-1", "/api/nope-2"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Len(t, rec.routes, 2)
	assert.Equal(t, rec.routes[0], rec.routes[1])
	assert.NotContains(t, rec.routes, "/api/nope-1")
}
