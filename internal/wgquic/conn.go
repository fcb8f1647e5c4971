package wgquic

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/liveness"
	"github.com/obscuratun/tunnelcore/internal/wireguard"
)

// Handshake retry budget for the very first WireGuard packet: exit key
// propagation to relays can lag, so the initial handshake is resent
// FirstHandshakeResends times per attempt, up to FirstHandshakeRetries
// attempts, each capped at FirstHandshakeTimeout before giving up and
// trying again. 9 * 25 * 100ms = 22.5s total budget.
const (
	FirstHandshakeRetries = 9
	FirstHandshakeResends = 25
	FirstHandshakeTimeout = 100 * time.Millisecond
)

// Tick is how often Conn's run loop polls the liveness checker and
// checks for idle timeout.
const Tick = time.Second

// MaxIdle is how long the tunnel may go without successfully decapsulating
// any WireGuard packet — data or keepalive pong alike — before it's
// declared dead, independent of whatever the liveness checker's ICMP
// probes report. Grounded on original_source quicwg.rs's WG_MAX_IDLE_MS,
// which exists precisely because a path that silently drops ICMP (but
// could still carry real traffic) would otherwise have no deadness
// signal at all.
const MaxIdle = 5 * time.Second

// Conn drives one WireGuard-over-QUIC tunnel: it pumps plaintext packets
// between the host and the WireGuard session, and runs the liveness
// checker on a fixed tick so the caller learns promptly when the path
// has gone dead.
type Conn struct {
	qconn   quic.Connection
	session *wireguard.Session
	checker *liveness.Checker
	log     *zap.Logger

	// ticksSinceLastPacket counts Tick-sized intervals since the last
	// successfully decapsulated WireGuard packet; reset to 0 in
	// receiveLoop, incremented in tick(). Compared against MaxIdle/Tick
	// to raise the dedicated WireGuard idle timeout.
	ticksSinceLastPacket uint32
	connectedAt          time.Time

	txBytes         uint64
	rxBytes         uint64
	latestLatencyMs uint64

	outbound chan []byte // decrypted packets arriving from the peer, for the host
	done     chan error  // closed-after-send once Run returns
}

// TrafficStats is a point-in-time snapshot of this connection's counters,
// consumed by internal/fsm to build continuous session totals across
// reconnects.
type TrafficStats struct {
	ConnectedAt     time.Time
	TxBytes         uint64
	RxBytes         uint64
	LatestLatencyMs uint64
}

// TrafficStats returns a snapshot of the current counters.
func (c *Conn) TrafficStats() TrafficStats {
	return TrafficStats{
		ConnectedAt:     c.connectedAt,
		TxBytes:         atomic.LoadUint64(&c.txBytes),
		RxBytes:         atomic.LoadUint64(&c.rxBytes),
		LatestLatencyMs: atomic.LoadUint64(&c.latestLatencyMs),
	}
}

// NewConn assembles a running tunnel from an authenticated QUIC
// connection and a WireGuard session already bound to transport it.
func NewConn(qconn quic.Connection, session *wireguard.Session, checker *liveness.Checker, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		qconn:       qconn,
		session:     session,
		checker:     checker,
		log:         log,
		connectedAt: time.Now(),
		outbound:    make(chan []byte, 128),
		done:        make(chan error, 1),
	}
}

// Done returns a channel that receives Run's return value once it
// exits. A nil error means ctx was cancelled, not that the tunnel failed.
func (c *Conn) Done() <-chan error { return c.done }

// SendPacket transmits a plaintext packet to the peer, notifying the
// liveness checker of outgoing user traffic and first sending the probe
// the checker returns when one is due.
func (c *Conn) SendPacket(ctx context.Context, pkt []byte) error {
	if probe := c.checker.SentTraffic(); probe != nil {
		if err := c.session.SendPacket(ctx, probe); err != nil {
			return fmt.Errorf("sending liveness probe alongside user traffic: %w", err)
		}
	}
	if err := c.session.SendPacket(ctx, pkt); err != nil {
		return fmt.Errorf("sending user packet: %w", err)
	}
	atomic.AddUint64(&c.txBytes, uint64(len(pkt)))
	return nil
}

// Packets returns the channel of plaintext packets received from the
// peer and not consumed by the liveness checker as probe responses.
func (c *Conn) Packets() <-chan []byte { return c.outbound }

// Run pumps received packets and drives the liveness tick loop until ctx
// is cancelled or the tunnel is declared dead, in which case it returns
// a non-nil error.
func (c *Conn) Run(ctx context.Context) error {
	err := c.run(ctx)
	c.done <- err
	close(c.done)
	return err
}

func (c *Conn) run(ctx context.Context) error {
	recvErrs := make(chan error, 1)
	go c.receiveLoop(ctx, recvErrs)

	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErrs:
			return fmt.Errorf("receiving from wireguard session: %w", err)
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) tick(ctx context.Context) error {
	if ticks := atomic.LoadUint32(&c.ticksSinceLastPacket); time.Duration(ticks)*Tick > MaxIdle {
		return fmt.Errorf("wireguard idle timeout: no packet decapsulated in at least %s", MaxIdle)
	}

	switch poll := c.checker.PollNow().(type) {
	case liveness.PollDead:
		return fmt.Errorf("tunnel idle timeout: liveness checker declared the tunnel dead")
	case liveness.PollSendPacket:
		if err := c.session.SendPacket(ctx, poll.Packet); err != nil {
			return fmt.Errorf("sending liveness probe: %w", err)
		}
	case liveness.PollAliveUntil:
		// Nothing to do until poll.At; the next tick will re-evaluate.
	}

	atomic.AddUint32(&c.ticksSinceLastPacket, 1)
	return nil
}

func (c *Conn) receiveLoop(ctx context.Context, errs chan<- error) {
	for {
		pkt, err := c.session.ReceivePacket(ctx)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		atomic.StoreUint32(&c.ticksSinceLastPacket, 0)

		if rtt, handled := c.checker.ProcessPotentialProbeResponse(pkt); handled {
			atomic.StoreUint64(&c.latestLatencyMs, uint64(rtt.Milliseconds()))
			continue
		}

		atomic.AddUint64(&c.rxBytes, uint64(len(pkt)))
		select {
		case c.outbound <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down the WireGuard session and the underlying QUIC
// connection.
func (c *Conn) Close() error {
	err := c.session.Close()
	_ = c.qconn.CloseWithError(0, "tunnel closed")
	return err
}
