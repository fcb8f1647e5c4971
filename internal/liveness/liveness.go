// Package liveness field-for-field ports original_source
// rustlib/src/liveness.rs's probe-based dead-tunnel detector: it decides
// when to emit an ICMP echo probe over the tunnel, how many probes may go
// unanswered before the tunnel is declared dead, and recognizes the
// probes' own echo replies among whatever traffic comes back.
package liveness

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	MaxAllowedLostProbes           = 4
	MaxAllowedLostProbesAfterSleep = 1
	BusyPingPeriod                 = time.Second
	IdlePingPeriod                 = 55 * time.Second
	ProbeLostPeriod                = time.Second

	ipv4HeaderLen = 20
	icmpHeaderLen = 8
)

// ProbePrefix tags our own probes so they're distinguishable from any
// other ICMP traffic that might arrive over the tunnel.
var ProbePrefix = [32]byte{
	'o', 'b', 's', '-', 'p', 'i', 'n', 'g',
	0x75, 0xf8, 0xb9, 0x47, 0x4b, 0xe1, 0x61, 0xeb,
	0x1c, 0xb1, 0xeb, 0x5e, 0xc0, 0x6c, 0xde, 0xb7,
	0xa1, 0x1b, 0x7b, 0xe5, 0x85, 0xca, 0x3a, 0x95,
}

type outstandingPing struct {
	sentAt  time.Time
	payload []byte
}

// Checker decides when a probe needs to go out and when too many have
// gone unanswered to call the tunnel alive. It never performs I/O
// itself: callers feed it outgoing user traffic and incoming packets,
// and send whatever packets it hands back.
type Checker struct {
	clock clockwork.Clock

	nextIDSeq                uint32
	mtu                      uint16
	srcIP, dstIP             [4]byte
	sentTrafficSincePing     bool
	isWaking                 bool
	outstandingPongs         []outstandingPing
	lastPingSentAt           *time.Time
}

// New creates a Checker that probes dstIP from srcIP, sizing probe
// packets to fit within mtu.
func New(mtu uint16, srcIP, dstIP [4]byte) *Checker {
	return NewWithClock(mtu, srcIP, dstIP, clockwork.NewRealClock())
}

func NewWithClock(mtu uint16, srcIP, dstIP [4]byte, clock clockwork.Clock) *Checker {
	return &Checker{clock: clock, mtu: mtu, srcIP: srcIP, dstIP: dstIP}
}

// Poll is the tagged result of PollNow(): exactly one of Dead,
// AliveUntil or SendPacket holds, matching spec.md's three-way outcome.
type Poll interface{ isPoll() }

type PollDead struct{}
type PollAliveUntil struct{ At time.Time }
type PollSendPacket struct{ Packet []byte }

func (PollDead) isPoll()        {}
func (PollAliveUntil) isPoll()  {}
func (PollSendPacket) isPoll()  {}

func (c *Checker) lostProbeCountAndTimeOfNextLoss(now time.Time) (int, *time.Time) {
	if len(c.outstandingPongs) > 0 {
		last := c.outstandingPongs[len(c.outstandingPongs)-1]
		lastExpiresAt := last.sentAt.Add(ProbeLostPeriod)
		if lastExpiresAt.After(now) {
			return len(c.outstandingPongs) - 1, &lastExpiresAt
		}
	}
	return len(c.outstandingPongs), nil
}

// SentTraffic is called whenever a packet unrelated to liveness probing
// is sent over the tunnel. If a ping is overdue it returns a probe
// packet that must be sent immediately instead of waiting for the next
// Poll.
func (c *Checker) SentTraffic() []byte {
	now := c.clock.Now()
	if c.lastPingSentAt == nil || now.After(c.lastPingSentAt.Add(BusyPingPeriod)) {
		return c.sendPing(now)
	}
	c.sentTrafficSincePing = true
	return nil
}

// Wake resets all state after a suspected suspend/resume and returns a
// probe packet to send immediately, tightening the lost-probe tolerance
// until the first probe since wake succeeds.
func (c *Checker) Wake() []byte {
	now := c.clock.Now()
	*c = Checker{clock: c.clock, mtu: c.mtu, srcIP: c.srcIP, dstIP: c.dstIP}
	c.isWaking = true
	return c.sendPing(now)
}

// PollNow evaluates the current state and reports whether the tunnel
// should be declared dead, when to poll again, or a probe packet to
// send right now.
func (c *Checker) PollNow() Poll {
	now := c.clock.Now()

	lostProbes, nextProbeLoss := c.lostProbeCountAndTimeOfNextLoss(now)
	maxLostProbes := MaxAllowedLostProbes
	if c.isWaking {
		maxLostProbes = MaxAllowedLostProbesAfterSleep
	}
	if lostProbes > maxLostProbes {
		return PollDead{}
	}

	pingPeriod := IdlePingPeriod
	if c.sentTrafficSincePing || lostProbes != 0 {
		pingPeriod = BusyPingPeriod
	}

	if c.lastPingSentAt == nil || !c.lastPingSentAt.Add(pingPeriod).After(now) {
		return PollSendPacket{Packet: c.sendPing(now)}
	}

	nextPoll := now.Add(BusyPingPeriod)
	if nextProbeLoss != nil && nextProbeLoss.Before(nextPoll) {
		nextPoll = *nextProbeLoss
	}
	if lastDeadline := c.lastPingSentAt.Add(pingPeriod); lastDeadline.Before(nextPoll) {
		nextPoll = lastDeadline
	}
	return PollAliveUntil{At: nextPoll}
}

// ProcessPotentialProbeResponse inspects an inbound packet and, if it is
// the echo reply to one of our outstanding probes, retires that probe
// (and every older one still outstanding) and returns its round trip.
func (c *Checker) ProcessPotentialProbeResponse(packet []byte) (time.Duration, bool) {
	now := c.clock.Now()

	if len(packet) < ipv4HeaderLen {
		return 0, false
	}
	hdr, err := ipv4.ParseHeader(packet)
	if err != nil || hdr.Protocol != 1 {
		return 0, false
	}

	msg, err := icmp.ParseMessage(1, packet[hdr.Len:])
	if err != nil {
		return 0, false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || msg.Type != ipv4.ICMPTypeEchoReply {
		return 0, false
	}
	if len(echo.Data) < 32 || [32]byte(echo.Data[:32]) != ProbePrefix {
		return 0, false
	}

	matchedIndex := -1
	for i, p := range c.outstandingPongs {
		if bytesEqual(p.payload, echo.Data) {
			matchedIndex = i
			break
		}
	}
	if matchedIndex < 0 {
		return 0, false
	}

	sentAt := c.outstandingPongs[matchedIndex].sentAt
	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	c.outstandingPongs = c.outstandingPongs[matchedIndex+1:]
	c.isWaking = false
	return rtt, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Checker) sendPing(now time.Time) []byte {
	c.lastPingSentAt = &now
	c.sentTrafficSincePing = false

	idSeqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idSeqBytes, c.nextIDSeq)
	c.nextIDSeq++
	id := binary.BigEndian.Uint16(idSeqBytes[0:2])
	seq := binary.BigEndian.Uint16(idSeqBytes[2:4])

	payloadLen := int(c.mtu) - ipv4HeaderLen - icmpHeaderLen
	if payloadLen < 32 {
		payloadLen = 32
	}
	payload := make([]byte, payloadLen)
	copy(payload, ProbePrefix[:])
	_, _ = rand.Read(payload[32:])

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: int(id), Seq: int(seq), Data: payload},
	}
	icmpBytes, err := msg.Marshal(nil)
	if err != nil {
		icmpBytes = nil
	}

	ipHdr := &ipv4.Header{
		Version:  4,
		Len:      ipv4HeaderLen,
		TotalLen: ipv4HeaderLen + len(icmpBytes),
		TTL:      255,
		Protocol: 1,
		Src:      c.srcIP[:],
		Dst:      c.dstIP[:],
	}
	ipBytes, err := ipHdr.Marshal()
	if err != nil {
		ipBytes = nil
	}

	packet := make([]byte, 0, len(ipBytes)+len(icmpBytes))
	packet = append(packet, ipBytes...)
	packet = append(packet, icmpBytes...)

	c.outstandingPongs = append(c.outstandingPongs, outstandingPing{sentAt: now, payload: payload})
	return packet
}
