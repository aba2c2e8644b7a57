package recording

import (
	"crypto/sha3"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/proxyrecorder/proxy/internal/pathsafe"
)

// ErrNotFound is returned by Load when the recording file does not exist.
var ErrNotFound = errors.New("recording file not found")

// ErrCorrupt is returned by Load when the recording file cannot be parsed.
var ErrCorrupt = errors.New("corrupt recording file")

// maxIDFileNameLen bounds the sanitized-id portion of the generated
// filename; ids longer than this are truncated and suffixed with an 8-hex
// shake256 digest so uniqueness survives the cut (spec §3, Invariants).
const maxIDFileNameLen = 180

// Store reads and writes RecordingSession documents under a directory. It is
// backed by an afero.Fs so tests never touch real disk.
type Store struct {
	fs afero.Fs
}

// NewStore returns a Store backed by fs.
func NewStore(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// FileName computes the file name a session id is persisted under:
// sanitize(id with '/' -> '__') + ".mock.json", truncated with a shake256
// suffix when the sanitized id would otherwise be too long for the
// filesystem.
func FileName(id string) string {
	safe := pathsafe.Sanitize(strings.ReplaceAll(id, "/", "__"))

	if len(safe) > maxIDFileNameLen {
		digest := make([]byte, 4)
		h := sha3.NewSHAKE256()
		_, _ = h.Write([]byte(safe))
		_, _ = h.Read(digest)
		suffix := hex.EncodeToString(digest)
		safe = safe[:maxIDFileNameLen-len(suffix)-1] + "_" + suffix
	}

	return safe + ".mock.json"
}

// Path joins dir and the file name derived from id.
func Path(dir, id string) string {
	return filepath.Join(dir, FileName(id))
}

// Load reads and parses the session stored for id under dir. It returns the
// parsed session verbatim; it renumbers nothing.
func (s *Store) Load(dir, id string) (*Session, error) {
	path := Path(dir, id)

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	return &session, nil
}

// Save persists session under dir, after assigning sequence numbers per the
// invariant: for each key group, recordings are sorted by RecordingID and
// numbered 0,1,2,.... Recordings without a response are dropped.
//
// The write is atomic: the document is written to a uuid-suffixed temp file
// in the same directory, then renamed over the final path.
func (s *Store) Save(dir string, session *Session) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	complete := make([]*Recording, 0, len(session.Recordings))
	for _, r := range session.Recordings {
		if r.Response != nil {
			complete = append(complete, r)
		}
	}
	assignSequences(complete)

	toSave := &Session{
		ID:                  session.ID,
		Recordings:          complete,
		WebSocketRecordings: session.WebSocketRecordings,
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal recording session: %w", err)
	}

	finalPath := Path(dir, session.ID)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", uuid.NewString()))

	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write recording session: %w", err)
	}
	if err := s.fs.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("failed to finalize recording session: %w", err)
	}

	return nil
}

// assignSequences sorts each key-group of recordings by RecordingID and
// assigns Sequence = rank within that group, starting at 0.
func assignSequences(recordings []*Recording) {
	byKey := make(map[string][]*Recording)
	for _, r := range recordings {
		byKey[r.Key] = append(byKey[r.Key], r)
	}

	for _, group := range byKey {
		// Stable insertion sort by RecordingID; groups are small in practice
		// and this keeps ties (which should not occur) in arrival order.
		for i := 1; i < len(group); i++ {
			j := i
			for j > 0 && group[j-1].RecordingID > group[j].RecordingID {
				group[j-1], group[j] = group[j], group[j-1]
				j--
			}
		}
		for i, r := range group {
			r.Sequence = i
		}
	}
}
