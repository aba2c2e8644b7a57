// Package recording holds the on-disk recording session format (C2's data
// model) and the store that loads and saves it.
package recording

import (
	"net/http"
	"sync"
	"time"
)

// Direction is the travel direction of a single WebSocket message.
type Direction string

// The two message directions a WebSocketRecording can contain.
const (
	ClientToServer Direction = "client-to-server"
	ServerToClient Direction = "server-to-client"
)

// RequestRecord is the captured request half of a Recording.
type RequestRecord struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

// ResponseRecord is the captured response half of a Recording. It is nil on
// a Recording whose exchange never completed (the upstream call failed
// before a response was read); such recordings are dropped at persistence.
type ResponseRecord struct {
	StatusCode int         `json:"statusCode"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
}

// Recording is one captured HTTP exchange.
type Recording struct {
	Request     RequestRecord   `json:"request"`
	Response    *ResponseRecord `json:"response,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Key         string          `json:"key"`
	RecordingID int             `json:"recordingId"`
	Sequence    int             `json:"sequence"`
}

// WebSocketMessage is one intercepted WebSocket frame.
type WebSocketMessage struct {
	Direction Direction `json:"direction"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketRecording is every message exchanged over one upgraded connection,
// in wall-clock order of interception.
type WebSocketRecording struct {
	mu sync.Mutex

	URL       string             `json:"url"`
	Key       string             `json:"key"`
	Timestamp time.Time          `json:"timestamp"`
	Messages  []WebSocketMessage `json:"messages"`
}

// AppendMessage records one frame, safe to call from either pump goroutine
// of a bridged connection.
func (w *WebSocketRecording) AppendMessage(direction Direction, data string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Messages = append(w.Messages, WebSocketMessage{
		Direction: direction,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Session is a recording session: every HTTP exchange and every WebSocket
// session captured (or, in replay, read back) under one session id.
type Session struct {
	ID                  string                `json:"id"`
	Recordings          []*Recording          `json:"recordings"`
	WebSocketRecordings []*WebSocketRecording `json:"websocketRecordings"`
}

// NewSession returns an empty recording session for id.
func NewSession(id string) *Session {
	return &Session{
		ID:                  id,
		Recordings:          []*Recording{},
		WebSocketRecordings: []*WebSocketRecording{},
	}
}
