// Package wgquic multiplexes a WireGuard session over a single QUIC
// connection's unreliable datagram extension instead of a UDP socket,
// and drives the tick/idle/keepalive loop that keeps the tunnel alive.
// Grounded on original_source rustlib/src/quicwg.rs's QuicWgConn, which
// plays the same role around boringtun's bare Tunn state machine.
package wgquic

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/quic-go/quic-go"
	"golang.zx2c4.com/wireguard/conn"
)

// endpoint is the only peer a Bind ever talks to: the relay at the far
// end of the already-established QUIC connection. WireGuard's generic
// multi-endpoint model collapses to one fixed value here.
type endpoint struct {
	addr netip.AddrPort
}

func (e endpoint) ClearSrc()             {}
func (e endpoint) SrcToString() string   { return "" }
func (e endpoint) DstToString() string   { return e.addr.String() }
func (e endpoint) DstToBytes() []byte    { b, _ := e.addr.MarshalBinary(); return b }
func (e endpoint) DstIP() netip.Addr     { return e.addr.Addr() }
func (e endpoint) SrcIP() netip.Addr     { return netip.Addr{} }

// Bind adapts a live quic.Connection's datagram extension to
// wireguard-go's conn.Bind transport interface.
type Bind struct {
	qconn quic.Connection
	ep    endpoint
	done  chan struct{}
}

// NewBind wraps qconn. remote identifies the relay for logging/endpoint
// string purposes only; the real transport is qconn's datagram channel.
func NewBind(qconn quic.Connection, remote netip.AddrPort) *Bind {
	return &Bind{qconn: qconn, ep: endpoint{addr: remote}, done: make(chan struct{})}
}

func (b *Bind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	return []conn.ReceiveFunc{b.receive}, port, nil
}

func (b *Bind) receive(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
	data, err := b.qconn.ReceiveDatagram(context.Background())
	if err != nil {
		select {
		case <-b.done:
			return 0, errBindClosed
		default:
		}
		return 0, fmt.Errorf("receiving quic datagram: %w", err)
	}
	n := copy(packets[0], data)
	sizes[0] = n
	eps[0] = b.ep
	return 1, nil
}

func (b *Bind) Send(bufs [][]byte, ep conn.Endpoint) error {
	for _, buf := range bufs {
		if err := b.qconn.SendDatagram(buf); err != nil {
			return fmt.Errorf("sending quic datagram: %w", err)
		}
	}
	return nil
}

func (b *Bind) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}

func (b *Bind) SetMark(mark uint32) error { return nil }

func (b *Bind) BatchSize() int { return 1 }

func (b *Bind) ParseEndpoint(s string) (conn.Endpoint, error) {
	return b.ep, nil
}

var errBindClosed = errors.New("bind closed")

var _ conn.Bind = (*Bind)(nil)
