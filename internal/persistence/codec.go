package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/fsmawi/wip/pkg/api"
)

// EncodeSnapshot serializes a snapshot with encoding/gob. Values stored in
// Snapshot.Context must be gob-encodable; custom types need gob.Register.
func EncodeSnapshot(s *api.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Empty input yields nil.
// Snapshots written by a newer layout version are rejected.
func DecodeSnapshot(data []byte) (*api.Snapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s api.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrCorruptSnapshot, err)
	}
	if s.Version > api.SnapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d is newer than supported %d",
			api.ErrCorruptSnapshot, s.Version, api.SnapshotVersion)
	}
	if s.Attempts == nil {
		s.Attempts = make(map[string]int)
	}
	if s.Context == nil {
		s.Context = make(map[string]map[string]any)
	}
	return &s, nil
}
