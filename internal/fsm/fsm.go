// Package fsm drives TunnelState to match whatever TargetState was last
// set, reconnecting on failure with a backoff schedule and carrying
// traffic-stat counters across reconnects. Grounded on original_source
// rustlib/src/tunnel_state.rs::TunnelState/maintain, reshaped around a
// cancel-context reconnect loop since Go has no tokio::sync::watch or
// task-cancel-on-select primitive.
package fsm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/backoff"
	"github.com/obscuratun/tunnelcore/internal/exitselect"
	"github.com/obscuratun/tunnelcore/internal/wgquic"
	"github.com/obscuratun/tunnelcore/internal/watch"
)

// TunnelArgs is the caller-supplied shape of the tunnel they want; a nil
// *TunnelArgs in TargetState means "want disconnected".
type TunnelArgs struct {
	Selector exitselect.Selector
}

// Equal reports whether two TunnelArgs describe the same target, which
// is how the FSM decides a target-state change requires reconnecting.
func (a TunnelArgs) Equal(other TunnelArgs) bool {
	return a.Selector == other.Selector
}

// TargetState is the single value the FSM reconciles toward.
type TargetState struct {
	Args *TunnelArgs
}

// TrafficStats is the continuous, reconnect-spanning traffic counter
// exposed to callers, grounded on original_source's ManagerTrafficStats.
type TrafficStats struct {
	ConnID          uuid.UUID
	ConnectedMS     uint64
	TxBytes         uint64
	RxBytes         uint64
	LatestLatencyMs uint64
}

// State is the tagged union of TunnelState: exactly one of Disconnected,
// Connecting, or Connected at a time.
type State interface {
	isState()
	TrafficStats() TrafficStats
}

// Disconnected means no connection exists and none is being attempted.
type Disconnected struct{}

func (Disconnected) isState() {}
func (Disconnected) TrafficStats() TrafficStats {
	return TrafficStats{ConnID: uuid.New()}
}

// Connecting means the FSM is actively trying to reach Args, optionally
// carrying the error from the previous attempt or the reason the prior
// connection dropped.
type Connecting struct {
	Args             TunnelArgs
	ConnectError     error
	DisconnectReason error
	Offset           TrafficStats
}

func (Connecting) isState() {}
func (c Connecting) TrafficStats() TrafficStats { return c.Offset }

// Connected means a live tunnel is up and forwarding traffic.
type Connected struct {
	Args   TunnelArgs
	Relay  apitypes.OneRelay
	Exit   apitypes.OneExit
	Conn   TunnelConn
	Offset TrafficStats
}

func (Connected) isState() {}

func (c Connected) TrafficStats() TrafficStats {
	snap := c.Conn.TrafficStats()
	stats := c.Offset
	stats.TxBytes += snap.TxBytes
	stats.RxBytes += snap.RxBytes
	stats.LatestLatencyMs = snap.LatestLatencyMs
	if !snap.ConnectedAt.IsZero() {
		stats.ConnectedMS += uint64(time.Since(snap.ConnectedAt).Milliseconds())
	}
	return stats
}

// TunnelConn is the subset of *wgquic.Conn the FSM drives. Declared as
// an interface (rather than importing the concrete type directly into
// the data path) so tests can stand up a connected state without a real
// WireGuard session.
type TunnelConn interface {
	Run(ctx context.Context) error
	Done() <-chan error
	Packets() <-chan []byte
	SendPacket(ctx context.Context, pkt []byte) error
	TrafficStats() wgquic.TrafficStats
	Close() error
}

// ConnectFunc performs one connect attempt for the given args, returning
// the live pieces the FSM needs to enter Connected.
type ConnectFunc func(ctx context.Context, args TunnelArgs) (TunnelConn, apitypes.OneRelay, apitypes.OneExit, error)

// DeliverFunc hands a decapsulated packet to the OS side.
type DeliverFunc func(packet []byte)

// FSM owns TunnelState, reads TargetState, and owns the live connection.
type FSM struct {
	target *watch.Value[TargetState]
	state  *watch.Value[State]

	connect ConnectFunc
	deliver DeliverFunc
	backoff backoff.Schedule
	log     *zap.Logger
}

// New creates an FSM starting Disconnected with no target.
func New(connect ConnectFunc, deliver DeliverFunc, log *zap.Logger) *FSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &FSM{
		target:  watch.New(TargetState{}),
		state:   watch.New[State](Disconnected{}),
		connect: connect,
		deliver: deliver,
		backoff: backoff.Background,
		log:     log,
	}
}

// SetTarget updates the desired tunnel args; nil means "disconnect".
func (f *FSM) SetTarget(args *TunnelArgs) {
	f.target.Set(TargetState{Args: args})
}

// Target returns the currently desired TargetState and its version.
func (f *FSM) Target() (TargetState, uint64) { return f.target.Get() }

// State returns the current TunnelState and its version.
func (f *FSM) State() (State, uint64) { return f.state.Get() }

// SendPacket forwards a host-originated packet into the live connection,
// or returns an error if the tunnel isn't currently connected.
func (f *FSM) SendPacket(ctx context.Context, pkt []byte) error {
	cur, _ := f.state.Get()
	connected, ok := cur.(Connected)
	if !ok {
		return fmt.Errorf("fsm: not connected")
	}
	return connected.Conn.SendPacket(ctx, pkt)
}

// WaitStateChanged blocks until the state advances past knownVersion.
func (f *FSM) WaitStateChanged(ctx context.Context, knownVersion uint64) (State, uint64, error) {
	return f.state.WaitChanged(ctx, knownVersion)
}

// isTargetState reports whether cur already matches target and isn't
// mid-connect.
func isTargetState(cur State, target TargetState) bool {
	switch s := cur.(type) {
	case Disconnected:
		return target.Args == nil
	case Connecting:
		return false
	case Connected:
		return target.Args != nil && s.Args.Equal(*target.Args)
	default:
		return false
	}
}

// reconnectAttempts bounds the backoff.Iterator call, not the number of
// retries: auto-reconnect runs indefinitely while a target is set, so
// this is just "large enough to never run out" rather than a real cap.
const reconnectAttempts = math.MaxInt32

// Run drives the reconciliation loop until ctx is cancelled. It is meant
// to be the body of a single long-lived goroutine per FSM instance.
func (f *FSM) Run(ctx context.Context) {
	var pendingDisconnectReason error
	retries := f.backoff.Iterator(reconnectAttempts)

	for {
		if ctx.Err() != nil {
			return
		}

		target, targetVersion := f.target.Get()
		cur, _ := f.state.Get()

		if !isTargetState(cur, target) {
			if target.Args == nil {
				f.closeIfConnected(cur)
				f.state.Set(Disconnected{})
				retries = f.backoff.Iterator(reconnectAttempts)
			} else {
				f.closeIfConnected(cur)
				f.state.Set(Connecting{
					Args:             *target.Args,
					DisconnectReason: pendingDisconnectReason,
					Offset:           cur.TrafficStats(),
				})
				pendingDisconnectReason = nil

				if f.attemptConnect(ctx, *target.Args, targetVersion) {
					retries = f.backoff.Iterator(reconnectAttempts)
				} else if ctx.Err() == nil {
					retries.Wait(ctx)
				}
				continue
			}
		}

		cur, _ = f.state.Get()
		switch s := cur.(type) {
		case Disconnected:
			f.target.WaitChanged(ctx, targetVersion)
		case Connected:
			pendingDisconnectReason = f.forwardUntilInterrupted(ctx, targetVersion, s)
			if pendingDisconnectReason != nil {
				// The connection ended on its own: leave Connected so the
				// next pass reconnects.
				f.state.Set(Connecting{Args: s.Args, DisconnectReason: pendingDisconnectReason, Offset: s.TrafficStats()})
				s.Conn.Close()
			}
		}
	}
}

// attemptConnect tries once to reach args, racing the attempt against a
// target-state change. Returns true if it reached Connected.
func (f *FSM) attemptConnect(ctx context.Context, args TunnelArgs, targetVersion uint64) bool {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupted := make(chan struct{})
	go func() {
		f.target.WaitChanged(attemptCtx, targetVersion)
		close(interrupted)
		cancel()
	}()

	conn, relay, exit, err := f.connect(attemptCtx, args)
	cancel()
	<-interrupted

	if attemptCtx.Err() != nil && ctx.Err() == nil {
		// Target changed mid-connect; discard whatever connect() returned.
		if conn != nil {
			conn.Close()
		}
		return false
	}
	if ctx.Err() != nil {
		if conn != nil {
			conn.Close()
		}
		return false
	}
	if err != nil {
		f.log.Warn("tunnel connect attempt failed", zap.Error(err))
		cur, _ := f.state.Get()
		f.state.Set(Connecting{Args: args, ConnectError: err, Offset: cur.TrafficStats()})
		return false
	}

	cur, _ := f.state.Get()
	f.state.Set(Connected{Args: args, Relay: relay, Exit: exit, Conn: conn, Offset: cur.TrafficStats()})
	go conn.Run(context.Background())
	return true
}

// forwardUntilInterrupted pumps packets from conn to the OS until the
// target changes or the connection fails, returning the failure (if
// any) so the next Connecting state can report why it dropped.
func (f *FSM) forwardUntilInterrupted(ctx context.Context, targetVersion uint64, connected Connected) error {
	changed := make(chan struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		f.target.WaitChanged(watchCtx, targetVersion)
		close(changed)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			return nil
		case err := <-connected.Conn.Done():
			if err == nil {
				err = fmt.Errorf("fsm: connection closed")
			}
			return err
		case pkt := <-connected.Conn.Packets():
			f.deliver(pkt)
		}
	}
}

func (f *FSM) closeIfConnected(s State) {
	if c, ok := s.(Connected); ok {
		c.Conn.Close()
	}
}
