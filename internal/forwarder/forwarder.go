// Package forwarder implements the HTTP forwarder (C6): the transparent and
// record-mode request path, including delegating to the control channel,
// the replay dispatcher, and the WebSocket bridge when a request calls for
// one of those instead.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/proxyrecorder/proxy/internal/cors"
	"github.com/proxyrecorder/proxy/internal/engine"
	"github.com/proxyrecorder/proxy/internal/fingerprint"
	"github.com/proxyrecorder/proxy/internal/httputil"
	"github.com/proxyrecorder/proxy/internal/recording"
)

const bodyBufferTimeout = 30 * time.Second

// ReplayDispatcher is the subset of *replay.Dispatcher the forwarder needs.
// Declared here (rather than importing the replay package's concrete type)
// to keep forwarder -> replay a one-way dependency described only by the
// shape it uses.
type ReplayDispatcher interface {
	http.Handler
	HasStickyReplaySession(r *http.Request) bool
}

// WebSocketBridge is the subset of *wsbridge.Bridge the forwarder needs.
type WebSocketBridge interface {
	http.Handler
}

// Forwarder is the proxy's single entry point: it routes preflight, control,
// replay, and WebSocket-upgrade requests to their respective components, and
// handles everything else itself (transparent pass-through or record).
type Forwarder struct {
	targets []*url.URL
	next    atomic.Uint64

	client *http.Client

	engine     *engine.Engine
	cors       cors.Policy
	control    http.Handler
	dispatcher ReplayDispatcher
	bridge     WebSocketBridge
	logger     *slog.Logger
}

func New(targets []*url.URL, e *engine.Engine, policy cors.Policy, control http.Handler, dispatcher ReplayDispatcher, bridge WebSocketBridge, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		targets:    targets,
		client:     &http.Client{},
		engine:     e,
		cors:       policy,
		control:    control,
		dispatcher: dispatcher,
		bridge:     bridge,
		logger:     logger,
	}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "websocket" {
		f.bridge.ServeHTTP(w, r)
		return
	}
	if r.Method == http.MethodOptions {
		f.cors.Preflight(w, r)
		return
	}
	if r.URL.Path == "/__control" {
		f.control.ServeHTTP(w, r)
		return
	}
	if f.engine.Mode() == engine.ModeReplay || f.dispatcher.HasStickyReplaySession(r) {
		f.dispatcher.ServeHTTP(w, r)
		return
	}

	f.forward(w, r)
}

func (f *Forwarder) nextTarget() *url.URL {
	i := f.next.Add(1) - 1
	return f.targets[int(i)%len(f.targets)]
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request) {
	target := f.nextTarget()
	key := fingerprint.Key(r.Method, r.URL.RequestURI())

	var rec *recording.Recording
	if f.engine.Mode() == engine.ModeRecord {
		var (
			done func()
			ok   bool
		)
		rec, done, ok = f.engine.BeginRecording(r.Method, r.URL.RequestURI(), r.Header, key)
		if ok {
			defer done()
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), bodyBufferTimeout)
	defer cancel()
	body := bufferBody(ctx, r.Body)

	if rec != nil {
		rec.Request.Body = body
	}

	upstreamURL := *target
	upstreamURL.Path = r.URL.Path
	upstreamURL.RawQuery = r.URL.RawQuery

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), bytes.NewReader(body))
	if err != nil {
		f.respondUpstreamError(w, r, err)
		return
	}
	upstreamReq.Header = r.Header.Clone()

	f.logger.Info("forwarding request", "method", r.Method, "url", r.URL.String(), "target", target.String())

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		f.respondUpstreamError(w, r, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.respondUpstreamError(w, r, err)
		return
	}

	if rec != nil {
		rec.Timestamp = time.Now()
		rec.Response = &recording.ResponseRecord{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header.Clone(),
			Body:       respBody,
		}
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	f.cors.Apply(w, r)
	w.WriteHeader(resp.StatusCode)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}
}

func (f *Forwarder) respondUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	f.logger.Error("proxy error", "err", err)
	f.cors.Apply(w, r)
	httputil.WriteError(w, http.StatusBadGateway, "Proxy error", fmt.Sprintf("%v", err))
}

// bufferBody reads body to completion or until ctx expires, whichever comes
// first; on expiry it closes body (unblocking the pending read) and returns
// whatever had already been read, per the spec's "proceed with whatever was
// buffered" rule for the request-buffering timeout.
func bufferBody(ctx context.Context, body io.ReadCloser) []byte {
	var buf bytes.Buffer
	done := make(chan struct{})

	go func() {
		_, _ = io.Copy(&buf, body)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = body.Close()
		<-done
	}

	return buf.Bytes()
}
