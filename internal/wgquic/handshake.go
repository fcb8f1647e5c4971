package wgquic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/wireguard"
)

// WaitForFirstHandshake blocks until session completes its first
// WireGuard handshake with the peer, nudging it along by sending an
// empty keepalive-style packet on every resend tick (wireguard-go
// retransmits the handshake initiation on its own internal timer once
// traffic is queued; this just keeps that timer firing promptly instead
// of waiting out its default backoff). It gives up after
// FirstHandshakeRetries outer attempts of FirstHandshakeResends inner
// sends each, matching the original implementation's 22.5s total budget.
func WaitForFirstHandshake(ctx context.Context, session *wireguard.Session, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	for attempt := 0; attempt < FirstHandshakeRetries; attempt++ {
		for resend := 0; resend < FirstHandshakeResends; resend++ {
			if session.LastHandshake() > 0 {
				return nil
			}

			attemptCtx, cancel := context.WithTimeout(ctx, FirstHandshakeTimeout)
			if err := session.SendPacket(attemptCtx, nil); err == nil {
				// Give the peer up to FirstHandshakeTimeout to answer.
				<-attemptCtx.Done()
			}
			cancel()
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for first wireguard handshake: %w", ctx.Err())
			}
		}
		log.Info("exit handshake timeout, packet may have gotten lost", zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("wireguard handshake did not complete within %d attempts", FirstHandshakeRetries)
}
