package relay_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/relay"
)

type fakeHandshake struct {
	rtts      []time.Duration
	callIndex int32
	abandoned int32
}

func (f *fakeHandshake) MeasureRTT(ctx context.Context) (time.Duration, error) {
	i := atomic.AddInt32(&f.callIndex, 1) - 1
	if int(i) >= len(f.rtts) {
		return 0, errors.New("no more canned rtts")
	}
	return f.rtts[i], nil
}

func (f *fakeHandshake) Abandon(ctx context.Context) {
	atomic.AddInt32(&f.abandoned, 1)
}

func (f *fakeHandshake) QUICConnection() quic.Connection { return nil }

func testRelays() []apitypes.OneRelay {
	return []apitypes.OneRelay{
		{ID: "r1", IPv4: "10.0.0.1", Ports: []uint16{1, 2}},
		{ID: "r2", IPv4: "10.0.0.2", Ports: []uint16{3}},
	}
}

func TestRace_CollectsAllSuccessfulCandidates(t *testing.T) {
	dial := func(ctx context.Context, r apitypes.OneRelay, port uint16) (relay.Handshake, error) {
		return &fakeHandshake{rtts: []time.Duration{
			10 * time.Millisecond, 12 * time.Millisecond, 8 * time.Millisecond,
		}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch := relay.Race(ctx, zaptest.NewLogger(t), dial, testRelays(), "relay.example")

	var got []relay.Candidate
	for c := range ch {
		got = append(got, c)
	}

	require.Len(t, got, 3) // r1:1, r1:2, r2:3
	for _, c := range got {
		assert.Equal(t, 8*time.Millisecond, c.RTT) // minimum of the three canned rtts
	}
}

func TestRace_SkipsFailedDials(t *testing.T) {
	dial := func(ctx context.Context, r apitypes.OneRelay, port uint16) (relay.Handshake, error) {
		if r.ID == "r2" {
			return nil, errors.New("connection refused")
		}
		return &fakeHandshake{rtts: []time.Duration{1, 1, 1}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch := relay.Race(ctx, zaptest.NewLogger(t), dial, testRelays(), "relay.example")

	var got []relay.Candidate
	for c := range ch {
		got = append(got, c)
	}

	require.Len(t, got, 2) // only r1's two ports
	for _, c := range got {
		assert.Equal(t, "r1", c.Relay.ID)
	}
}

func TestRace_AbandonsHandshakeWhenRTTMeasurementFails(t *testing.T) {
	var mu sync.Mutex
	var abandoned []string

	dial := func(ctx context.Context, r apitypes.OneRelay, port uint16) (relay.Handshake, error) {
		return &abandonTrackingHandshake{id: r.ID, onAbandon: func(id string) {
			mu.Lock()
			defer mu.Unlock()
			abandoned = append(abandoned, id)
		}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch := relay.Race(ctx, zaptest.NewLogger(t), dial, testRelays(), "relay.example")
	for range ch {
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, abandoned, 3) // every dialed candidate fails rtt measurement and must be abandoned
}

type abandonTrackingHandshake struct {
	id        string
	onAbandon func(string)
}

func (h *abandonTrackingHandshake) MeasureRTT(ctx context.Context) (time.Duration, error) {
	return 0, errors.New("measurement failed")
}

func (h *abandonTrackingHandshake) Abandon(ctx context.Context) {
	h.onAbandon(h.id)
}

func (h *abandonTrackingHandshake) QUICConnection() quic.Connection { return nil }
