// Package replay implements the replay dispatcher (C7): resolving a
// request's session id, loading its recording session on first use, and
// selecting the next matching recorded response by the purely ordinal rule.
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/proxyrecorder/proxy/internal/cors"
	"github.com/proxyrecorder/proxy/internal/engine"
	"github.com/proxyrecorder/proxy/internal/fingerprint"
	"github.com/proxyrecorder/proxy/internal/httputil"
	"github.com/proxyrecorder/proxy/internal/recording"
)

const (
	stickyHeader = "x-test-rcrd-id"
	stickyCookie = "proxy-recording-id"
)

// Dispatcher serves data requests while the proxy is (wholly or sticky-)
// bound to replay.
type Dispatcher struct {
	engine *engine.Engine
	store  *recording.Store
	cors   cors.Policy
	logger *slog.Logger
}

func NewDispatcher(e *engine.Engine, store *recording.Store, policy cors.Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{engine: e, store: store, cors: policy, logger: logger}
}

// ResolveID applies the sticky-id resolution order: header, then cookie,
// then the engine's singularly-active id. ok is false only when none apply.
func ResolveID(r *http.Request, activeID string) (id string, ok bool) {
	if h := r.Header.Get(stickyHeader); h != "" {
		return h, true
	}
	if c, err := r.Cookie(stickyCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	if activeID != "" {
		return activeID, true
	}
	return "", false
}

// HasStickyReplaySession reports whether r carries a sticky id (header or
// cookie) that already names a live replay session, independent of the
// engine's current mode. The forwarder uses this to route such requests to
// replay even outside replay mode (spec §4.5's concurrency rule).
func (d *Dispatcher) HasStickyReplaySession(r *http.Request) bool {
	var id string
	if h := r.Header.Get(stickyHeader); h != "" {
		id = h
	} else if c, err := r.Cookie(stickyCookie); err == nil && c.Value != "" {
		id = c.Value
	}
	return id != "" && d.engine.ReplaySessionExists(id)
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := ResolveID(r, d.engine.ActiveID())
	if !ok {
		d.cors.Apply(w, r)
		httputil.WriteError(w, http.StatusBadRequest, string(engine.KindReplaySessionMissing), "No replay session active")
		return
	}

	state := d.engine.ReplayState(id)
	dir := d.engine.RecordingsDir()
	session, err := state.EnsureLoaded(func() (*recording.Session, error) {
		return d.store.Load(dir, id)
	})
	if err != nil {
		d.cors.Apply(w, r)
		if errors.Is(err, recording.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, string(engine.KindReplayFileNotFound), "Recording file not found")
			return
		}
		httputil.WriteError(w, http.StatusNotFound, string(engine.KindReplayCorruptFile), err.Error())
		return
	}

	key := fingerprint.Key(r.Method, r.URL.RequestURI())

	var candidates []*recording.Recording
	for _, rec := range session.Recordings {
		if rec.Key == key && rec.Response != nil {
			candidates = append(candidates, rec)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Sequence != candidates[j].Sequence {
			return candidates[i].Sequence < candidates[j].Sequence
		}
		return candidates[i].RecordingID < candidates[j].RecordingID
	})

	if len(candidates) == 0 {
		d.cors.Apply(w, r)
		httputil.WriteError(w, http.StatusNotFound, string(engine.KindReplayNoMatch),
			fmt.Sprintf("No recording found for key %s in session %s", key, id))
		d.logger.Warn("replay miss: request not observed during recording", "key", key, "id", id)
		return
	}

	picked, overReplayed := state.PickAndMark(key, candidates)
	if overReplayed {
		d.logger.Warn("replay exhausted, repeating last candidate", "key", key, "id", id, "recordingId", picked.RecordingID)
	}

	for name, values := range picked.Response.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	d.cors.Apply(w, r)
	w.WriteHeader(picked.Response.StatusCode)
	if len(picked.Response.Body) > 0 {
		_, _ = w.Write(picked.Response.Body)
	}
}
