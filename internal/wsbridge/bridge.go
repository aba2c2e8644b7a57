// Package wsbridge implements the WebSocket bridge (C8): transparent and
// record-mode relaying of an upstream socket, and replay-mode playback of a
// previously recorded message sequence.
package wsbridge

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxyrecorder/proxy/internal/cors"
	"github.com/proxyrecorder/proxy/internal/engine"
	"github.com/proxyrecorder/proxy/internal/fingerprint"
	"github.com/proxyrecorder/proxy/internal/recording"
)

const (
	stickyHeader  = "x-test-rcrd-id"
	stickyCookie  = "proxy-recording-id"
	replayStagger = 10 * time.Millisecond
)

var excludedDialHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge upgrades an incoming WebSocket request and either relays it
// upstream (transparent/record) or plays back a recorded session (replay).
type Bridge struct {
	targets []*url.URL
	next    atomic.Uint64

	dialer *websocket.Dialer
	engine *engine.Engine
	store  *recording.Store
	cors   cors.Policy
	logger *slog.Logger
}

func New(targets []*url.URL, e *engine.Engine, store *recording.Store, policy cors.Policy, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		targets: targets,
		dialer:  &websocket.Dialer{},
		engine:  e,
		store:   store,
		cors:    policy,
		logger:  logger,
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.engine.Mode() == engine.ModeReplay || b.hasStickyReplaySession(r) {
		b.replay(w, r)
		return
	}
	b.relay(w, r)
}

func (b *Bridge) hasStickyReplaySession(r *http.Request) bool {
	id := stickyID(r)
	return id != "" && b.engine.ReplaySessionExists(id)
}

func stickyID(r *http.Request) string {
	if h := r.Header.Get(stickyHeader); h != "" {
		return h
	}
	if c, err := r.Cookie(stickyCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

func (b *Bridge) nextTarget() *url.URL {
	i := b.next.Add(1) - 1
	return b.targets[int(i)%len(b.targets)]
}

// relay bridges the client connection to a freshly dialed upstream
// connection, recording frames when the engine is in record mode.
func (b *Bridge) relay(w http.ResponseWriter, r *http.Request) {
	target := b.nextTarget()
	upstreamURL := *target
	upstreamURL.Scheme = wsScheme(target.Scheme)
	upstreamURL.Path = r.URL.Path
	upstreamURL.RawQuery = r.URL.RawQuery

	upstreamConn, _, err := b.dialer.Dial(upstreamURL.String(), dialHeaders(r.Header))
	if err != nil {
		b.logger.Error("websocket upstream dial failed", "err", err)
		b.cors.Apply(w, r)
		http.Error(w, "websocket upstream dial failed", http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer clientConn.Close()

	var wsRec *recording.WebSocketRecording
	if b.engine.Mode() == engine.ModeRecord {
		key := fingerprint.WSKey(r.URL.RequestURI())
		if rec, done, ok := b.engine.BeginWebSocketRecording(r.URL.RequestURI(), key); ok {
			wsRec = rec
			defer done()
		}
	}

	quit := make(chan struct{}, 2)
	go b.pump(clientConn, upstreamConn, recording.ClientToServer, wsRec, quit)
	go b.pump(upstreamConn, clientConn, recording.ServerToClient, wsRec, quit)
	<-quit
	<-quit
}

func (b *Bridge) pump(src, dst *websocket.Conn, direction recording.Direction, wsRec *recording.WebSocketRecording, quit chan struct{}) {
	defer func() { quit <- struct{}{} }()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if wsRec != nil {
			wsRec.AppendMessage(direction, string(data))
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			b.logger.Warn("websocket write failed", "direction", direction, "err", err)
			return
		}
	}
}

// replay accepts the client upgrade and drives it from a recorded
// WebSocketRecording, contacting no backend.
func (b *Bridge) replay(w http.ResponseWriter, r *http.Request) {
	id, ok := resolveReplayID(r, b.engine.ActiveID())
	if !ok {
		b.cors.Apply(w, r)
		http.Error(w, "No replay session active", http.StatusBadRequest)
		return
	}

	state := b.engine.ReplayState(id)
	dir := b.engine.RecordingsDir()
	session, err := state.EnsureLoaded(func() (*recording.Session, error) {
		return b.store.Load(dir, id)
	})
	if err != nil {
		b.cors.Apply(w, r)
		http.Error(w, "Recording file not found", http.StatusNotFound)
		return
	}

	key := fingerprint.WSKey(r.URL.RequestURI())
	var wsRec *recording.WebSocketRecording
	for _, candidate := range session.WebSocketRecordings {
		if candidate.Key == key {
			wsRec = candidate
			break
		}
	}
	if wsRec == nil {
		b.cors.Apply(w, r)
		http.Error(w, "No recording found", http.StatusNotFound)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer clientConn.Close()

	leading, rest := splitLeadingServerMessages(wsRec.Messages)

	go func() {
		for i, msg := range leading {
			time.Sleep(time.Duration(i) * replayStagger)
			if err := clientConn.WriteMessage(websocket.TextMessage, []byte(msg.Data)); err != nil {
				return
			}
		}
	}()

	cursor := 0
	for {
		if _, _, err := clientConn.ReadMessage(); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				b.logger.Info("websocket replay client disconnected", "id", id)
			}
			return
		}
		if cursor >= len(rest) {
			continue
		}
		next := rest[cursor]
		cursor++
		time.Sleep(replayStagger)
		if err := clientConn.WriteMessage(websocket.TextMessage, []byte(next.Data)); err != nil {
			return
		}
	}
}

// splitLeadingServerMessages returns the server-to-client messages that
// precede the first client-to-server message (emitted immediately on
// upgrade), and the remaining server-to-client messages in order (paced one
// per subsequent client message).
func splitLeadingServerMessages(messages []recording.WebSocketMessage) (leading, rest []recording.WebSocketMessage) {
	splitAt := len(messages)
	for i, m := range messages {
		if m.Direction == recording.ClientToServer {
			splitAt = i
			break
		}
	}
	for i, m := range messages {
		if m.Direction != recording.ServerToClient {
			continue
		}
		if i < splitAt {
			leading = append(leading, m)
		} else {
			rest = append(rest, m)
		}
	}
	return leading, rest
}

func resolveReplayID(r *http.Request, activeID string) (string, bool) {
	if id := stickyID(r); id != "" {
		return id, true
	}
	if activeID != "" {
		return activeID, true
	}
	return "", false
}

func dialHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		if excludedDialHeaders[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}
