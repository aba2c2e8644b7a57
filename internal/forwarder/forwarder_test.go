package forwarder

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/proxyrecorder/proxy/internal/cors"
	"github.com/proxyrecorder/proxy/internal/engine"
	"github.com/proxyrecorder/proxy/internal/recording"
)

type noopDispatcher struct{ sticky bool }

func (n *noopDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}
func (n *noopDispatcher) HasStickyReplaySession(r *http.Request) bool { return n.sticky }

type noopBridge struct{ called bool }

func (n *noopBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) { n.called = true }

func newTestForwarder(t *testing.T, upstream *httptest.Server) (*Forwarder, *engine.Engine) {
	t.Helper()
	fs := afero.NewMemMapFs()
	e := engine.New("/recordings", recording.NewStore(fs), nil)

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	control := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f := New([]*url.URL{target}, e, cors.New(), control, &noopDispatcher{}, &noopBridge{}, nil)
	return f, e
}

func TestForwarder_OptionsIsPreflight(t *testing.T) {
	f, _ := newTestForwarder(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "86400", rec.Header().Get("access-control-max-age"))
}

func TestForwarder_ControlPathDelegates(t *testing.T) {
	f, _ := newTestForwarder(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/__control", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestForwarder_TransparentPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	f, e := newTestForwarder(t, upstream)
	require.Equal(t, engine.ModeTransparent, e.Mode())

	req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	require.NotEmpty(t, rec.Header().Get("access-control-allow-origin"))
}

func TestForwarder_RecordMode_CapturesExchange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"title":"New"}`, string(body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"new-1"}`))
	}))
	defer upstream.Close()

	f, e := newTestForwarder(t, upstream)
	require.NoError(t, e.SwitchToRecord("s1", 0))

	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"title":"New"}`))
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"id":"new-1"}`, rec.Body.String())
}

func TestForwarder_UpstreamConnectFailure_Returns502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // closed immediately: connections to it will fail

	f, _ := newTestForwarder(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "Proxy error")
	require.NotEmpty(t, rec.Header().Get("access-control-allow-origin"))
}

func TestForwarder_ReplayModeDelegates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be contacted while in replay mode")
	}))
	defer upstream.Close()

	f, e := newTestForwarder(t, upstream)
	require.NoError(t, e.SwitchToReplay("s1", 0))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestForwarder_WebSocketUpgradeDelegatesToBridge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	fs := afero.NewMemMapFs()
	e := engine.New("/recordings", recording.NewStore(fs), nil)
	target, _ := url.Parse(upstream.URL)
	bridge := &noopBridge{}
	f := New([]*url.URL{target}, e, cors.New(), http.NotFoundHandler(), &noopDispatcher{}, bridge, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.True(t, bridge.called)
}
