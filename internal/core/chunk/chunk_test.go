package chunk

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSmallPayloadIsOneEvent(t *testing.T) {
	t.Parallel()

	frames, err := Splitter{}.Split("status", []byte(`{"state":"thinking"}`))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	assert.Equal(t, TypeEvent, env.Type)
	assert.Equal(t, "status", env.Kind)
	assert.JSONEq(t, `{"state":"thinking"}`, string(env.Payload))
}

func TestSplitLargePayloadRoundTrips(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x00, 0xff, 'a'}, 10000)
	s := Splitter{Threshold: 4096, NewID: func() string { return "xfer-1" }}
	frames, err := s.Split("artifact", payload)
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)

	r := NewReassembler()
	// Deliver in reverse; the index decides placement.
	var got []byte
	for n := range frames {
		i := len(frames) - 1 - n
		assert.LessOrEqual(t, len(frames[i]), 4096, "frame %d", i)

		var env Envelope
		require.NoError(t, json.Unmarshal(frames[i], &env))
		assert.Equal(t, "xfer-1", env.TransferID)
		assert.Equal(t, i, env.Index)
		assert.Equal(t, len(frames), env.Total)

		kind, out, done, err := r.Add(env)
		require.NoError(t, err)
		if i > 0 {
			assert.False(t, done)
			continue
		}
		require.True(t, done)
		assert.Equal(t, "artifact", kind)
		got = out
	}
	assert.Equal(t, payload, got)
	assert.Zero(t, r.Pending())
}

func TestSplitFramesNeverExceedThreshold(t *testing.T) {
	t.Parallel()

	for _, threshold := range []int{256, 1000, DefaultThreshold} {
		for _, size := range []int{threshold - 40, threshold, threshold + 1, 5 * threshold} {
			payload := []byte(`"` + strings.Repeat("y", max(size, 0)) + `"`)
			frames, err := Splitter{Threshold: threshold}.Split("message", payload)
			require.NoError(t, err)
			for i, f := range frames {
				assert.LessOrEqual(t, len(f), threshold, "threshold %d size %d frame %d", threshold, size, i)
			}
		}
	}
}

func TestSplitRejectsThresholdBelowEnvelope(t *testing.T) {
	t.Parallel()

	_, err := Splitter{Threshold: 16}.Split("artifact", bytes.Repeat([]byte("z"), 64))
	assert.ErrorIs(t, err, ErrThresholdTooSmall)
}

func TestReassemblerResetDropsPartialTransfers(t *testing.T) {
	t.Parallel()

	frames, err := Splitter{Threshold: 256}.Split("artifact", bytes.Repeat([]byte("abcdef"), 100))
	require.NoError(t, err)

	r := NewReassembler()
	var env Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	_, _, done, err := r.Add(env)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, r.Pending())

	r.Reset()
	assert.Zero(t, r.Pending())
}

func TestReassemblerRejectsMalformedChunks(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	cases := []Envelope{
		{Type: TypeEvent},
		{Type: TypeChunk, TransferID: "x", Index: 2, Total: 2},
		{Type: TypeChunk, TransferID: "x", Index: -1, Total: 2},
		{Type: TypeChunk, TransferID: "x", Index: 0, Total: 1, Data: "!!"},
	}
	for _, env := range cases {
		_, _, _, err := r.Add(env)
		assert.ErrorIs(t, err, ErrBadChunk)
	}

	_, _, _, err := r.Add(Envelope{Type: TypeChunk, TransferID: "huge", Index: 0, Total: math.MaxInt, Data: "YQ=="})
	assert.ErrorIs(t, err, ErrBadChunk)
	assert.Zero(t, r.Pending())

	_, _, _, err = r.Add(Envelope{Type: TypeChunk, TransferID: "y", Index: 0, Total: 3, Data: "YQ=="})
	require.NoError(t, err)
	_, _, _, err = r.Add(Envelope{Type: TypeChunk, TransferID: "y", Index: 1, Total: 4, Data: "YQ=="})
	assert.ErrorIs(t, err, ErrTotalMismatch)
	assert.Zero(t, r.Pending())
}

func TestReassemblerBoundsOpenTransfers(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	r.MaxTransfers = 2
	for _, id := range []string{"a", "b"} {
		_, _, _, err := r.Add(Envelope{Type: TypeChunk, TransferID: id, Index: 0, Total: 2, Data: "YQ=="})
		require.NoError(t, err)
	}
	_, _, _, err := r.Add(Envelope{Type: TypeChunk, TransferID: "c", Index: 0, Total: 2, Data: "YQ=="})
	assert.ErrorIs(t, err, ErrTooManyTransfers)
	assert.Equal(t, 2, r.Pending())

	// Chunks of an already open transfer are still accepted.
	_, out, done, err := r.Add(Envelope{Type: TypeChunk, TransferID: "a", Index: 1, Total: 2, Data: "Yg=="})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("ab"), out)
}

func TestOutboxCoalescesStatusAndKeepsOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []string
	send := func(_ context.Context, frame []byte) error {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, env.Kind+":"+string(env.Payload))
		return nil
	}

	o := NewOutbox(Splitter{}, send, 20*time.Millisecond, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.NoError(t, o.Enqueue(Event{Kind: "status", Payload: []byte(`"a"`), Coalesce: true}))
	require.NoError(t, o.Enqueue(Event{Kind: "status", Payload: []byte(`"b"`), Coalesce: true}))
	require.NoError(t, o.Enqueue(Event{Kind: "status", Payload: []byte(`"c"`), Coalesce: true}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, o.Enqueue(Event{Kind: "status", Payload: []byte(`"d"`), Coalesce: true}))
	require.NoError(t, o.Enqueue(Event{Kind: "message", Payload: []byte(`"hi"`)}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`status:"c"`, `status:"d"`, `message:"hi"`}, kinds)
}
