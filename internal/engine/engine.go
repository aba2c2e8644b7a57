package engine

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/proxyrecorder/proxy/internal/recording"
)

// activeRecording is the record session currently being captured, plus a
// WaitGroup tracking in-flight requests that were admitted under it. A mode
// switch away from record must drain this WaitGroup before persisting, so a
// request that started in record mode finishes as a recorded exchange even
// if the switch lands mid-flight (spec: mode-switch safety).
type activeRecording struct {
	session *recording.Session
	wg      sync.WaitGroup
}

// Engine is the proxy's mode state machine (C5). One Engine is constructed
// per running proxy; tests construct a fresh Engine per case rather than
// sharing process-wide state.
type Engine struct {
	mu sync.Mutex

	mode     Mode
	activeID string

	recording          *activeRecording
	recordingIDCounter int
	replaySessions     map[string]*ReplayState
	modeTimer          *time.Timer

	recordingsDir string
	store         *recording.Store
	logger        *slog.Logger
}

func New(recordingsDir string, store *recording.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		mode:           ModeTransparent,
		replaySessions: make(map[string]*ReplayState),
		recordingsDir:  recordingsDir,
		store:          store,
		logger:         logger,
	}
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// ActiveID is the session id bound to the singular mode: the id of the
// record session being captured, or the id last switched into via
// SwitchToReplay. It is consulted only for requests with no sticky binding.
func (e *Engine) ActiveID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

func (e *Engine) RecordingsDir() string {
	return e.recordingsDir
}

// ReplaySessionExists reports whether a live replay session is already
// tracked for id, without creating one. The forwarder uses this to honor a
// sticky id even while the singular mode is not replay.
func (e *Engine) ReplaySessionExists(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.replaySessions[id]
	return ok
}

// ReplayState returns id's replay state, creating an empty one if this is
// the first time id has been seen (the control channel's switch-to-replay
// is not a prerequisite: a sticky id can be addressed directly, as in
// concurrent multi-session replay).
func (e *Engine) ReplayState(id string) *ReplayState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.replaySessions[id]
	if !ok {
		st = newReplayState()
		e.replaySessions[id] = st
	}
	return st
}

// BeginRecording allocates the next recordingId and appends a shell
// Recording to the active session, synchronously, before any I/O suspension
// point in the caller. It reports ok=false if the engine is not currently
// recording. The returned done func must be called (typically via defer)
// once the caller is finished mutating the returned Recording, so a
// concurrent mode switch knows when it is safe to persist.
func (e *Engine) BeginRecording(method, rawURL string, headers http.Header, key string) (rec *recording.Recording, done func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode != ModeRecord || e.recording == nil {
		return nil, nil, false
	}

	ar := e.recording
	ar.wg.Add(1)

	id := e.recordingIDCounter
	e.recordingIDCounter++

	rec = &recording.Recording{
		Request: recording.RequestRecord{
			Method:  method,
			URL:     rawURL,
			Headers: headers.Clone(),
		},
		Key:         key,
		RecordingID: id,
	}
	ar.session.Recordings = append(ar.session.Recordings, rec)

	return rec, ar.wg.Done, true
}

// BeginWebSocketRecording returns the session's WebSocketRecording for key,
// creating it on the first upgrade for that key. It reports ok=false if the
// engine is not currently recording. As with BeginRecording, done must be
// called once the caller's connection has finished relaying frames.
func (e *Engine) BeginWebSocketRecording(rawURL, key string) (wsRec *recording.WebSocketRecording, done func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode != ModeRecord || e.recording == nil {
		return nil, nil, false
	}

	ar := e.recording
	ar.wg.Add(1)

	for _, existing := range ar.session.WebSocketRecordings {
		if existing.Key == key {
			return existing, ar.wg.Done, true
		}
	}

	wsRec = &recording.WebSocketRecording{URL: rawURL, Key: key, Timestamp: time.Now()}
	ar.session.WebSocketRecordings = append(ar.session.WebSocketRecordings, wsRec)
	return wsRec, ar.wg.Done, true
}

// SwitchToTransparent persists and clears any active record session and
// cancels the mode timer, then sets mode to transparent.
func (e *Engine) SwitchToTransparent() {
	e.mu.Lock()
	ar := e.persistAndClearLocked()
	e.cancelTimerLocked()
	e.mode = ModeTransparent
	e.activeID = ""
	e.mu.Unlock()

	e.flush(ar)
}

// SwitchToRecord persists any prior record session, starts a fresh one for
// id, and arms the mode timer if timeoutMs > 0.
func (e *Engine) SwitchToRecord(id string, timeoutMs int) error {
	if id == "" {
		return NewError(KindMissingID, "id is required to switch to record mode")
	}

	e.mu.Lock()
	ar := e.persistAndClearLocked()

	e.recording = &activeRecording{session: recording.NewSession(id)}
	e.recordingIDCounter = 0

	e.cancelTimerLocked()
	e.armTimerLocked(timeoutMs)

	e.mode = ModeRecord
	e.activeID = id
	e.mu.Unlock()

	e.flush(ar)
	return nil
}

// SwitchToReplay persists any prior record session, ensures id's replay
// state exists, resets its served sets for a fresh play-through, and arms
// the mode timer.
func (e *Engine) SwitchToReplay(id string, timeoutMs int) error {
	if id == "" {
		return NewError(KindMissingID, "id is required to switch to replay mode")
	}

	e.mu.Lock()
	ar := e.persistAndClearLocked()

	st, ok := e.replaySessions[id]
	if !ok {
		st = newReplayState()
		e.replaySessions[id] = st
	} else {
		st.reset()
	}

	e.cancelTimerLocked()
	e.armTimerLocked(timeoutMs)

	e.mode = ModeReplay
	e.activeID = id
	e.mu.Unlock()

	e.flush(ar)
	return nil
}

// Cleanup persists id's record session if it is the one currently active,
// and drops id's replay session state. It does not otherwise change mode.
func (e *Engine) Cleanup(id string) {
	e.mu.Lock()
	var ar *activeRecording
	if e.recording != nil && e.recording.session.ID == id {
		ar = e.recording
		e.recording = nil
	}
	delete(e.replaySessions, id)
	e.mu.Unlock()

	e.flush(ar)
}

// persistAndClearLocked detaches the active record session, if any, so it
// can be flushed to disk after the mutex is released. Callers must hold mu.
func (e *Engine) persistAndClearLocked() *activeRecording {
	ar := e.recording
	e.recording = nil
	return ar
}

func (e *Engine) cancelTimerLocked() {
	if e.modeTimer != nil {
		e.modeTimer.Stop()
		e.modeTimer = nil
	}
}

func (e *Engine) armTimerLocked(timeoutMs int) {
	if timeoutMs <= 0 {
		return
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	e.modeTimer = time.AfterFunc(d, e.onTimerFire)
}

func (e *Engine) onTimerFire() {
	e.logger.Info("mode timer fired, resetting to transparent")
	e.SwitchToTransparent()
}

// flush waits for every request admitted under ar (if any) to finish
// populating its Recording, then persists the session. It must run with the
// engine mutex released.
func (e *Engine) flush(ar *activeRecording) {
	if ar == nil {
		return
	}
	ar.wg.Wait()
	if err := e.store.Save(e.recordingsDir, ar.session); err != nil {
		e.logger.Error("failed to persist recording session", "id", ar.session.ID, "err", err)
	}
}
