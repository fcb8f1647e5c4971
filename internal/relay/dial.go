package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/relayproto"
)

// relayALPN is the ALPN protocol offered in the TLS handshake with a
// relay. The control stream and the WireGuard-over-QUIC datagram tunnel
// share that one QUIC connection.
const relayALPN = "obscura-relay-v1"

// NewQUICDialer returns a production relay.Dialer: it opens a QUIC
// connection to the relay's advertised address, pins the handshake to
// the relay's certificate, and completes the relayproto control-stream
// handshake (protocol identifier exchange) before handing back a
// Handshake that can measure RTT and, later, be hijacked by
// internal/wgquic for the datagram tunnel.
func NewQUICDialer(sni string) Dialer {
	return func(ctx context.Context, r apitypes.OneRelay, port uint16) (Handshake, error) {
		tlsConf, err := certPinnedTLSConfig(sni, r.TLSCert)
		if err != nil {
			return nil, fmt.Errorf("building tls config for relay %s: %w", r.ID, err)
		}

		addr := fmt.Sprintf("%s:%d", r.IPv4, port)
		qconn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
			EnableDatagrams: true,
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  60 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing relay %s: %w", r.ID, err)
		}

		stream, err := qconn.OpenStreamSync(ctx)
		if err != nil {
			qconn.CloseWithError(0, "control stream open failed")
			return nil, fmt.Errorf("opening control stream to relay %s: %w", r.ID, err)
		}

		if err := relayproto.SendIdentifier(stream); err != nil {
			qconn.CloseWithError(0, "handshake failed")
			return nil, err
		}
		if err := relayproto.ReceiveIdentifier(stream); err != nil {
			qconn.CloseWithError(0, "handshake failed")
			return nil, err
		}

		return &quicHandshake{qconn: qconn, stream: stream}, nil
	}
}

func certPinnedTLSConfig(sni string, der []byte) (*tls.Config, error) {
	conf := &tls.Config{ServerName: sni, NextProtos: []string{relayALPN}}
	if len(der) == 0 {
		return conf, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing relay certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	conf.RootCAs = pool
	return conf, nil
}

// quicHandshake implements Handshake over a real QUIC connection and its
// already-open control stream.
type quicHandshake struct {
	qconn  quic.Connection
	stream relayproto.Stream
}

func (h *quicHandshake) MeasureRTT(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := relayproto.Ping(h.stream); err != nil {
		return 0, fmt.Errorf("measuring relay rtt: %w", err)
	}
	return time.Since(start), nil
}

func (h *quicHandshake) Abandon(ctx context.Context) {
	_ = relayproto.Stop(h.stream)
	h.qconn.CloseWithError(0, "handshake abandoned")
}

func (h *quicHandshake) QUICConnection() quic.Connection { return h.qconn }
