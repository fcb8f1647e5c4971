package wireguard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
)

// Session is a live WireGuard session bound to a single peer (the exit
// server's WireGuard key) and a single transport (a wgquic.Bind).
type Session struct {
	dev *device.Device
	tun *channelTUN
	log *zap.Logger
}

// NewSession brings up a WireGuard device configured as the client side
// of a single-peer tunnel: secretKey is this session's private key,
// peerPublicKey is the exit's public key, bind is the transport the
// encrypted datagrams travel over, and endpoint is the transport-level
// address conn.Bind.ParseEndpoint expects (opaque to WireGuard; the
// connector passes the relay address, and wgquic's Bind ignores the
// string since the QUIC connection is already established).
func NewSession(ctx context.Context, secretKey [32]byte, peerPublicKey apitypes.WgPubkey, bind conn.Bind, endpoint string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tunDevice := newChannelTUN()

	devLogger := &device.Logger{
		Verbosef: func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...)) },
		Errorf:   func(format string, args ...any) { log.Error(fmt.Sprintf(format, args...)) },
	}

	dev := device.NewDevice(tunDevice, bind, devLogger)

	uapi, err := buildUAPIConfig(secretKey, peerPublicKey, endpoint)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("building wireguard device config: %w", err)
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configuring wireguard device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("bringing wireguard device up: %w", err)
	}

	return &Session{dev: dev, tun: tunDevice, log: log}, nil
}

func buildUAPIConfig(secretKey [32]byte, peerPublicKey apitypes.WgPubkey, endpoint string) (string, error) {
	var b strings.Builder
	writeUAPILine(&b, "private_key", hex.EncodeToString(secretKey[:]))
	writeUAPILine(&b, "public_key", hex.EncodeToString(peerPublicKey[:]))
	writeUAPILine(&b, "endpoint", endpoint)
	writeUAPILine(&b, "allowed_ip", "0.0.0.0/0")
	writeUAPILine(&b, "allowed_ip", "::/0")
	writeUAPILine(&b, "persistent_keepalive_interval", "0") // internal/wgquic drives its own keepalive cadence
	return b.String(), nil
}

func writeUAPILine(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}

// SendPacket hands a plaintext IP packet to WireGuard for encryption and
// transmission to the peer.
func (s *Session) SendPacket(ctx context.Context, pkt []byte) error {
	select {
	case s.tun.inbound <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.tun.closed:
		return fmt.Errorf("wireguard session closed")
	}
}

// ReceivePacket blocks until a decrypted plaintext packet arrives from
// the peer, ctx is cancelled, or the session closes.
func (s *Session) ReceivePacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt, ok := <-s.tun.outbound:
		if !ok {
			return nil, fmt.Errorf("wireguard session closed")
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastHandshake reports how long ago the peer's last successful
// WireGuard handshake completed, or zero if none has yet, by reading the
// device's own UAPI "get" operation (the same interface wg(8) uses).
func (s *Session) LastHandshake() time.Duration {
	var buf bytes.Buffer
	if err := s.dev.IpcGetOperation(&buf); err != nil {
		s.log.Warn("reading wireguard device state failed", zap.Error(err))
		return 0
	}

	var sec, nsec int64
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if sec == 0 && nsec == 0 {
		return 0
	}
	last := time.Unix(sec, nsec)
	return time.Since(last)
}

func (s *Session) Close() error {
	s.dev.Close()
	return s.tun.Close()
}
