package chunk

import (
	"encoding/base64"
	"fmt"
	"sync"
)

const (
	// DefaultMaxChunks bounds the total a peer may announce for one transfer.
	DefaultMaxChunks = 4096
	// DefaultMaxTransfers bounds concurrently open transfers per link.
	DefaultMaxTransfers = 64
)

type transfer struct {
	kind  string
	parts [][]byte
	got   int
}

// Reassembler rebuilds chunked payloads keyed by transfer id.
// Its buffers belong to one transport link; Reset must be called when
// that link is torn down.
type Reassembler struct {
	MaxChunks    int
	MaxTransfers int

	mu        sync.Mutex
	transfers map[string]*transfer
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		MaxChunks:    DefaultMaxChunks,
		MaxTransfers: DefaultMaxTransfers,
		transfers:    make(map[string]*transfer),
	}
}

// Add consumes one chunk envelope. It returns the complete payload once
// every index of the transfer has arrived.
func (r *Reassembler) Add(env Envelope) (kind string, payload []byte, done bool, err error) {
	if env.Type != TypeChunk || env.TransferID == "" || env.Total <= 0 || env.Index < 0 || env.Index >= env.Total {
		return "", nil, false, ErrBadChunk
	}
	if r.MaxChunks > 0 && env.Total > r.MaxChunks {
		return "", nil, false, fmt.Errorf("%w: total %d over limit %d", ErrBadChunk, env.Total, r.MaxChunks)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", nil, false, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[env.TransferID]
	if !ok {
		if r.MaxTransfers > 0 && len(r.transfers) >= r.MaxTransfers {
			return "", nil, false, ErrTooManyTransfers
		}
		t = &transfer{kind: env.Kind, parts: make([][]byte, env.Total)}
		r.transfers[env.TransferID] = t
	}
	if len(t.parts) != env.Total {
		delete(r.transfers, env.TransferID)
		return "", nil, false, ErrTotalMismatch
	}
	if t.parts[env.Index] == nil {
		t.got++
	}
	t.parts[env.Index] = data
	if t.got < len(t.parts) {
		return "", nil, false, nil
	}

	delete(r.transfers, env.TransferID)
	size := 0
	for _, p := range t.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range t.parts {
		out = append(out, p...)
	}
	return t.kind, out, true, nil
}

// Pending returns the number of incomplete transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// Reset discards every partial transfer.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.transfers)
}
