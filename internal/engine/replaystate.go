package engine

import (
	"sync"

	"github.com/proxyrecorder/proxy/internal/recording"
)

// ReplayState is the in-memory state of one replay session: its lazily
// loaded recording file and, per RecordingKey, the recordingIds already
// served during this play-through.
type ReplayState struct {
	mu            sync.Mutex
	loadedSession *recording.Session
	servedByKey   map[string]map[int]struct{}
}

func newReplayState() *ReplayState {
	return &ReplayState{servedByKey: make(map[string]map[int]struct{})}
}

// reset clears served sets for a fresh play-through while keeping any
// already-loaded session cached (spec: re-entering replay "always clears,
// keeps loaded session cache").
func (s *ReplayState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servedByKey = make(map[string]map[int]struct{})
}

// EnsureLoaded returns the cached session, loading it via load on first use.
func (s *ReplayState) EnsureLoaded(load func() (*recording.Session, error)) (*recording.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadedSession != nil {
		return s.loadedSession, nil
	}

	session, err := load()
	if err != nil {
		return nil, err
	}
	s.loadedSession = session
	return session, nil
}

// PickAndMark applies the ordinal replay rule for key over candidates, which
// must already be sorted by sequence/recordingId ascending: it returns the
// first candidate not yet served, or the last candidate (repeated) with
// overReplayed=true if every candidate has already been served.
func (s *ReplayState) PickAndMark(key string, candidates []*recording.Recording) (picked *recording.Recording, overReplayed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	served, ok := s.servedByKey[key]
	if !ok {
		served = make(map[int]struct{})
		s.servedByKey[key] = served
	}

	for _, c := range candidates {
		if _, done := served[c.RecordingID]; !done {
			served[c.RecordingID] = struct{}{}
			return c, false
		}
	}

	last := candidates[len(candidates)-1]
	served[last.RecordingID] = struct{}{}
	return last, true
}
