// Package chunk splits large outgoing events into ordered, base64 encoded
// chunks and reassembles them on the receiving side.
package chunk

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultThreshold is the largest frame sent on the wire, envelope included.
const DefaultThreshold = 14 * 1024

const (
	TypeEvent = "event"
	TypeChunk = "chunk"
)

var (
	ErrBadChunk          = errors.New("malformed chunk")
	ErrTotalMismatch     = errors.New("chunk total mismatch")
	ErrTooManyTransfers  = errors.New("too many concurrent transfers")
	ErrThresholdTooSmall = errors.New("threshold too small for chunk envelope")
)

// Envelope is one frame on the wire: either a whole event or one chunk of it.
type Envelope struct {
	Type       string          `json:"type"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TransferID string          `json:"transfer_id,omitempty"`
	Index      int             `json:"index"`
	Total      int             `json:"total,omitempty"`
	Data       string          `json:"data,omitempty"`
}

// Splitter turns payloads into frames. The zero value uses DefaultThreshold.
type Splitter struct {
	Threshold int
	NewID     func() string
}

// Split encodes payload into one event frame, or into ordered chunk frames
// sharing a random transfer id when the event frame would exceed the
// threshold. No returned frame is longer than the threshold.
func (s Splitter) Split(kind string, payload []byte) ([][]byte, error) {
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if json.Valid(payload) {
		b, err := json.Marshal(Envelope{Type: TypeEvent, Kind: kind, Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		if len(b) <= threshold {
			return [][]byte{b}, nil
		}
	}

	newID := s.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()
	raw, err := rawPerChunk(threshold, kind, id, len(payload))
	if err != nil {
		return nil, err
	}
	total := max((len(payload)+raw-1)/raw, 1)
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*raw, len(payload))
		env := Envelope{
			Type:       TypeChunk,
			Kind:       kind,
			TransferID: id,
			Index:      i,
			Total:      total,
			Data:       base64.StdEncoding.EncodeToString(payload[i*raw : end]),
		}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal chunk %d/%d: %w", i, total, err)
		}
		frames = append(frames, b)
	}
	return frames, nil
}

// rawPerChunk returns how many payload bytes fit in one chunk frame once
// the envelope and base64 growth are paid for. Index and total are sized
// for n, which bounds both.
func rawPerChunk(threshold int, kind, id string, n int) (int, error) {
	sized, err := json.Marshal(Envelope{Type: TypeChunk, Kind: kind, TransferID: id, Index: n, Total: n, Data: "A"})
	if err != nil {
		return 0, fmt.Errorf("marshal chunk envelope: %w", err)
	}
	room := threshold - (len(sized) - 1)
	raw := (room / 4) * 3
	if raw < 3 {
		return 0, fmt.Errorf("%w: %d", ErrThresholdTooSmall, threshold)
	}
	return raw, nil
}
