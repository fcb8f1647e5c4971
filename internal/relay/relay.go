// Package relay races WireGuard-over-QUIC handshakes against every
// (relay, port) pair returned by the API and streams back whichever ones
// succeed, each tagged with the round-trip time measured during its
// handshake. Grounded on original_source
// rustlib/src/relay_selection.rs::race_relay_handshakes.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
)

// MaxRelays bounds how many relays from the API response are ever probed,
// protecting against a malicious or misbehaving API server handing back an
// unbounded relay list.
const MaxRelays = 100

// PingCount is the number of pings combined (by taking the minimum) into
// each candidate's RTT measurement.
const PingCount = 3

// Handshake is the live result of a successful relay control-stream
// handshake: everything the exit-selection and WireGuard-over-QUIC stages
// need to continue building the tunnel.
type Handshake interface {
	// MeasureRTT sends a single ping over the control stream and returns
	// the round trip it took to get the ok response back.
	MeasureRTT(ctx context.Context) (time.Duration, error)
	// Abandon tells the relay this handshake is being discarded and
	// releases the underlying connection.
	Abandon(ctx context.Context)
	// QUICConnection returns the authenticated QUIC connection backing
	// this handshake, so internal/connector can hand it to
	// internal/wgquic once an exit has been chosen.
	QUICConnection() quic.Connection
}

// Dialer starts a relay control-stream handshake against one (relay,
// port) pair. NewQUICDialer is the production implementation; tests
// substitute a fake.
type Dialer func(ctx context.Context, relay apitypes.OneRelay, port uint16) (Handshake, error)

// Candidate is one relay/port pair whose handshake succeeded, in the
// order it finished (not the order it was dialed).
type Candidate struct {
	Relay     apitypes.OneRelay
	Port      uint16
	RTT       time.Duration
	Handshake Handshake
}

// Race dials every (relay, port) pair up to MaxRelays relays concurrently
// and streams back a Candidate for each handshake that both connects and
// completes an RTT measurement. The channel is unbuffered: a slow
// consumer holds up delivery of later candidates but never drops one.
// Race closes the returned channel once every dial has either succeeded,
// failed, or been abandoned because ctx was cancelled.
func Race(ctx context.Context, log *zap.Logger, dial Dialer, relays []apitypes.OneRelay, sni string) <-chan Candidate {
	if log == nil {
		log = zap.NewNop()
	}
	out := make(chan Candidate)

	relays = relays[:min(len(relays), MaxRelays)]

	var wg sync.WaitGroup
	for _, relay := range relays {
		for _, port := range relay.Ports {
			wg.Add(1)
			go func(relay apitypes.OneRelay, port uint16) {
				defer wg.Done()
				raceOne(ctx, log, dial, relay, port, out)
			}(relay, port)
		}
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func raceOne(ctx context.Context, log *zap.Logger, dial Dialer, relay apitypes.OneRelay, port uint16, out chan<- Candidate) {
	hs, err := dial(ctx, relay, port)
	if err != nil {
		log.Warn("failed to connect during relay selection",
			zap.String("relay_id", relay.ID), zap.Uint16("port", port), zap.Error(err))
		return
	}

	rtt, err := measureMinRTT(ctx, hs)
	if err != nil {
		log.Warn("relay handshake started but rtt measurement failed",
			zap.String("relay_id", relay.ID), zap.Uint16("port", port), zap.Error(err))
		hs.Abandon(ctx)
		return
	}

	log.Info("successfully started handshake with relay",
		zap.String("relay_id", relay.ID), zap.Uint16("port", port), zap.Duration("rtt", rtt))

	select {
	case out <- Candidate{Relay: relay, Port: port, RTT: rtt, Handshake: hs}:
	case <-ctx.Done():
		hs.Abandon(context.Background())
	}
}

func measureMinRTT(ctx context.Context, hs Handshake) (time.Duration, error) {
	var min time.Duration
	for i := 0; i < PingCount; i++ {
		rtt, err := hs.MeasureRTT(ctx)
		if err != nil {
			return 0, fmt.Errorf("ping %d/%d: %w", i+1, PingCount, err)
		}
		if i == 0 || rtt < min {
			min = rtt
		}
	}
	return min, nil
}
