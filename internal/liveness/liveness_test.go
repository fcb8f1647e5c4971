package liveness_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/liveness"
)

var (
	src = [4]byte{10, 0, 0, 1}
	dst = [4]byte{10, 0, 0, 2}
)

func TestChecker_ProbePacketSizeMatchesMTU(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := liveness.NewWithClock(1234, src, dst, clock)

	poll := checker.PollNow()
	sendPacket, ok := poll.(liveness.PollSendPacket)
	require.True(t, ok)
	assert.Len(t, sendPacket.Packet, 1234)
}

func TestChecker_IdlePeriodWhenNothingOutstanding(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := liveness.NewWithClock(1400, src, dst, clock)

	poll := checker.PollNow()
	sendPacket, ok := poll.(liveness.PollSendPacket)
	require.True(t, ok, "first poll always sends a probe")

	// Answer the probe so nothing is outstanding, then move past
	// BusyPingPeriod: in idle mode no new probe is due until IdlePingPeriod
	// after the last one, so the checker reports alive instead of probing.
	_, ok = checker.ProcessPotentialProbeResponse(buildEchoReplyFromRequest(t, sendPacket.Packet))
	require.True(t, ok)
	clock.Advance(2 * liveness.BusyPingPeriod)

	poll = checker.PollNow()
	alive, ok := poll.(liveness.PollAliveUntil)
	require.True(t, ok)
	assert.True(t, alive.At.After(clock.Now()))
}

func TestChecker_DeadAfterTooManyLostProbes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := liveness.NewWithClock(1400, src, dst, clock)

	// Send MaxAllowedLostProbes+1 probes, each a full BusyPingPeriod apart,
	// without ever acknowledging one.
	for i := 0; i < liveness.MaxAllowedLostProbes+2; i++ {
		poll := checker.PollNow()
		if _, ok := poll.(liveness.PollSendPacket); !ok {
			clock.Advance(liveness.BusyPingPeriod)
			continue
		}
		clock.Advance(liveness.BusyPingPeriod + liveness.ProbeLostPeriod)
	}

	poll := checker.PollNow()
	assert.IsType(t, liveness.PollDead{}, poll)
}

func TestChecker_ProcessPotentialProbeResponse_MatchesOutstandingProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := liveness.NewWithClock(1400, src, dst, clock)

	poll := checker.PollNow()
	sendPacket := poll.(liveness.PollSendPacket)

	clock.Advance(10 * time.Millisecond)

	reply := buildEchoReplyFromRequest(t, sendPacket.Packet)
	rtt, ok := checker.ProcessPotentialProbeResponse(reply)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, rtt)
}

func TestChecker_ProcessPotentialProbeResponse_IgnoresUnrecognizedPayload(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := liveness.NewWithClock(1400, src, dst, clock)
	checker.PollNow()

	_, ok := checker.ProcessPotentialProbeResponse([]byte("not an icmp packet"))
	assert.False(t, ok)
}

func TestChecker_WakeResetsStateAndProbesImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := liveness.NewWithClock(1400, src, dst, clock)
	checker.PollNow()

	pkt := checker.Wake()
	assert.Len(t, pkt, 1400)
}
