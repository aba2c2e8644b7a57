package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApply_OriginEchoed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()

	New().Apply(w, r)

	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "GET, POST, PUT, DELETE, PATCH, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "*", w.Header().Get("Access-Control-Expose-Headers"))
}

func TestApply_NoOriginFallsBackToWildcard(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()

	New().Apply(w, r)

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestApply_DefaultAllowHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()

	New().Apply(w, r)

	require.Equal(t, defaultAllowedHeaders, w.Header().Get("Access-Control-Allow-Headers"))
}

func TestPreflight_EchoesRequestedHeadersAndMaxAge(t *testing.T) {
	// Spec scenario S4.
	r := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Headers", "X-Foo")
	w := httptest.NewRecorder()

	New().Preflight(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "X-Foo", w.Header().Get("Access-Control-Allow-Headers"))
	require.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	require.Empty(t, w.Body.String())
}

func TestIsPreflight(t *testing.T) {
	opt := httptest.NewRequest(http.MethodOptions, "/x", nil)
	get := httptest.NewRequest(http.MethodGet, "/x", nil)
	require.True(t, IsPreflight(opt))
	require.False(t, IsPreflight(get))
}
