// Package wireguard wraps golang.zx2c4.com/wireguard's userspace device
// so the tunnel core can drive a WireGuard session over an arbitrary
// packet transport (here, QUIC datagrams via internal/wgquic) instead of
// a real UDP socket and OS TUN interface. Grounded on original_source
// rustlib/src/quicwg.rs, which drives boringtun's bare Noise state
// machine by hand; golang.zx2c4.com/wireguard's device.Device already
// owns that state machine (handshake, rekeying, keepalives) in Go, so we
// plug it into our own transport and packet source instead of
// reimplementing Noise_IKpsk2 ourselves.
package wireguard

import (
	"errors"
	"os"

	"golang.zx2c4.com/wireguard/tun"
)

// MTU is the payload size budget for packets flowing through the tunnel
// once WireGuard-over-QUIC framing overhead is accounted for.
const MTU = 1280

// channelTUN implements tun.Device over Go channels instead of an OS
// network interface: SendPacket/ReceivePacket below are the host-facing
// ends, Read/Write are wireguard-go's device-facing ends.
type channelTUN struct {
	inbound  chan []byte // host -> wireguard-go (to be encrypted and sent)
	outbound chan []byte // wireguard-go -> host (decrypted from the peer)
	events   chan tun.Event
	closed   chan struct{}
}

func newChannelTUN() *channelTUN {
	return &channelTUN{
		inbound:  make(chan []byte, 128),
		outbound: make(chan []byte, 128),
		events:   make(chan tun.Event, 1),
		closed:   make(chan struct{}),
	}
}

func (t *channelTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case pkt, ok := <-t.inbound:
		if !ok {
			return 0, errors.New("wireguard tun closed")
		}
		n := copy(bufs[0][offset:], pkt)
		sizes[0] = n
		return 1, nil
	case <-t.closed:
		return 0, errors.New("wireguard tun closed")
	}
}

func (t *channelTUN) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		pkt := make([]byte, len(buf)-offset)
		copy(pkt, buf[offset:])
		select {
		case t.outbound <- pkt:
		case <-t.closed:
			return 0, errors.New("wireguard tun closed")
		}
	}
	return len(bufs), nil
}

func (t *channelTUN) MTU() (int, error)        { return MTU, nil }
func (t *channelTUN) Name() (string, error)    { return "wgquic0", nil }
func (t *channelTUN) Events() <-chan tun.Event { return t.events }
func (t *channelTUN) BatchSize() int           { return 1 }

func (t *channelTUN) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
		close(t.events)
	}
	return nil
}

// File is never used: channelTUN is never handed to the kernel, so no
// real file descriptor ever backs it.
func (t *channelTUN) File() *os.File { return nil }

var _ tun.Device = (*channelTUN)(nil)
