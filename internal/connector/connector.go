// Package connector performs the one-shot work of turning a target exit
// selection into a live WireGuard-over-QUIC tunnel: race every candidate
// relay, pick an exit, ask the API to mint a tunnel, and retry around
// the two expected transient failures (no tunnel slots left, a required
// key rotation). Grounded on original_source
// rustlib/src/client_state.rs::new_tunnel/connect.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apiclient"
	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
	"github.com/obscuratun/tunnelcore/internal/exitselect"
	"github.com/obscuratun/tunnelcore/internal/liveness"
	"github.com/obscuratun/tunnelcore/internal/relay"
	"github.com/obscuratun/tunnelcore/internal/wgquic"
	"github.com/obscuratun/tunnelcore/internal/wireguard"
)

// ExitListFreshness is how stale the cached exit list may be before
// Connect refreshes it in the background of a connect attempt.
const ExitListFreshness = 60 * time.Second

// DefaultRelaySNI is used when no relay.sni override is configured.
const DefaultRelaySNI = "relay.example"

// Deps are the collaborators Connect needs; callers wire real
// implementations (or fakes, for tests).
type Deps struct {
	API      apiclient.Client
	Config   *config.Handle
	Selector exitselect.Selector
	State    *exitselect.State
	Dial     relay.Dialer
	Log      *zap.Logger
}

// Result is everything the caller needs to hand a freshly connected
// tunnel off to internal/fsm.
type Result struct {
	TunnelID string
	Relay    apitypes.OneRelay
	Exit     apitypes.OneExit
	Config   apitypes.ObfuscatedTunnelConfig
	Conn     *wgquic.Conn
}

// recentlyUsedThreshold mirrors the 300s window original_source uses to
// decide which idle tunnel is safe to delete when slots run out.
const recentlyUsedThreshold = 300 * time.Second

// Connect races relays, selects an exit, creates a tunnel via the API
// (retrying past transient slot exhaustion and required key rotations),
// and brings up the WireGuard-over-QUIC session.
func Connect(ctx context.Context, deps Deps) (*Result, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	relays, err := deps.API.ListRelays(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing relays: %w", err)
	}
	refreshed := make(chan error, 1)
	go func() { refreshed <- refreshExitsIfStale(ctx, deps, log) }()

	candidate, err := raceForBestCandidate(ctx, deps, relays)
	if refreshErr := <-refreshed; refreshErr != nil {
		log.Warn("ignoring failure to refresh exit list", zap.Error(refreshErr))
	}
	if err != nil {
		return nil, err
	}

	var exitList apitypes.ExitList
	if cached := deps.Config.Snapshot().CachedExits; cached != nil {
		exitList = cached.Value
	}
	exit, ok := deps.State.SelectNext(deps.Selector, exitList.Exits, candidate.Relay)
	if !ok {
		candidate.Handshake.Abandon(ctx)
		return nil, fmt.Errorf("no exits matched the requested selector")
	}

	tunnelInfo, secretKey, tunnelID, err := createTunnelWithRetry(ctx, deps, log, candidate.Relay, exit)
	if err != nil {
		candidate.Handshake.Abandon(ctx)
		return nil, err
	}
	if tunnelInfo.Relay.ID != candidate.Relay.ID {
		candidate.Handshake.Abandon(ctx)
		return nil, fmt.Errorf("api returned tunnel bound to unexpected relay %q", tunnelInfo.Relay.ID)
	}

	conn, err := finishConnect(ctx, log, candidate, secretKey, tunnelInfo)
	if err != nil {
		return nil, err
	}

	deps.Config.Change(func(c *config.Config) {
		if raw, err := selectorSnapshot(deps.Selector); err == nil {
			c.LastExitSelector = raw
		}
	})

	return &Result{TunnelID: tunnelID.String(), Relay: candidate.Relay, Exit: exit, Config: tunnelInfo.Config, Conn: conn}, nil
}

func refreshExitsIfStale(ctx context.Context, deps Deps, log *zap.Logger) error {
	cached := deps.Config.Snapshot().CachedExits
	if cached.Fresh(ExitListFreshness, time.Now()) {
		return nil
	}
	var etag string
	if cached != nil {
		etag = cached.ETag
	}
	fresh, changed, err := deps.API.ListExits(ctx, etag)
	if err != nil {
		return fmt.Errorf("refreshing exit list: %w", err)
	}
	if changed {
		deps.Config.Change(func(c *config.Config) {
			c.CachedExits = &fresh
		})
	}
	return nil
}

// relayRaceDeadline bounds the whole race, unless it's shrunk early once
// a first candidate has been found (see relayRaceShrunkDeadlineCap).
const relayRaceDeadline = 30 * time.Second

// relayRaceShrunkDeadlineCap limits how long the race keeps running past
// its first candidate: later relays are unlikely to beat it, and waiting
// risks hanging on an unreachable one.
const relayRaceShrunkDeadlineCap = 5 * time.Second

// relayRaceMaxUniqueRelays stops the race once this many distinct relays
// have responded — enough to have a very good candidate without waiting
// on every relay in the list.
const relayRaceMaxUniqueRelays = 5

// raceForBestCandidate mirrors original_source
// client_state.rs:469-513: it keeps the lowest-RTT candidate seen so
// far, abandoning whichever side of each comparison loses, and shrinks
// its own deadline to 3x the time it took to find the current best
// (capped at relayRaceShrunkDeadlineCap) every time that best changes.
func raceForBestCandidate(ctx context.Context, deps Deps, relays []apitypes.OneRelay) (relay.Candidate, error) {
	sni := DefaultRelaySNI
	if s := deps.Config.Snapshot().SNIRelay; s != nil {
		sni = *s
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := relay.Race(raceCtx, deps.Log, deps.Dial, relays, sni)

	start := time.Now()
	timer := time.NewTimer(relayRaceDeadline)
	defer timer.Stop()

	connected := map[string]struct{}{}
	var best *relay.Candidate

raceLoop:
	for {
		select {
		case candidate, ok := <-ch:
			if !ok {
				break raceLoop
			}
			connected[candidate.Relay.ID] = struct{}{}
			c := candidate

			var rejected *relay.Candidate
			if best != nil && best.RTT < c.RTT {
				rejected = &c
			} else {
				rejected = best
				best = &c

				shrunk := min(time.Since(start)*3, relayRaceShrunkDeadlineCap)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(time.Until(start.Add(shrunk)))
			}
			if rejected != nil {
				go rejected.Handshake.Abandon(context.Background())
			}

			if len(connected) >= relayRaceMaxUniqueRelays {
				break raceLoop
			}
		case <-timer.C:
			break raceLoop
		case <-ctx.Done():
			break raceLoop
		}
	}

	if best == nil {
		return relay.Candidate{}, fmt.Errorf("no relay succeeded during relay race")
	}
	return *best, nil
}

func createTunnelWithRetry(ctx context.Context, deps Deps, log *zap.Logger, chosenRelay apitypes.OneRelay, exit apitypes.OneExit) (apitypes.TunnelInfo, [32]byte, uuid.UUID, error) {
	for {
		tunnelID := uuid.New()

		var secretKey [32]byte
		var pub apitypes.WgPubkey
		deps.Config.Change(func(c *config.Config) {
			secretKey, pub = c.WireGuardKeyCache.UseCurrent()
		})

		req := apiclient.CreateTunnelRequest{ID: tunnelID, WgPubkey: pub, RelayID: chosenRelay.ID, ExitID: exit.ID}
		info, err := deps.API.CreateTunnel(ctx, req)
		if err == nil {
			return info, secretKey, tunnelID, nil
		}

		if errors.Is(err, apiclient.ErrWgKeyRotationRequired) {
			log.Warn("server indicated that key rotation is required immediately")
			deps.Config.Change(func(c *config.Config) {
				c.WireGuardKeyCache.RotateNow()
			})
			continue
		}

		if !errors.Is(err, apiclient.ErrTunnelLimitExceeded) {
			return apitypes.TunnelInfo{}, [32]byte{}, uuid.UUID{}, fmt.Errorf("creating tunnel: %w", err)
		}

		log.Warn("no tunnel slots left, trying to delete an unused one")
		if err := deleteOneIdleTunnel(ctx, deps); err != nil {
			return apitypes.TunnelInfo{}, [32]byte{}, uuid.UUID{}, fmt.Errorf("creating tunnel: no slots and %w", err)
		}
	}
}

func deleteOneIdleTunnel(ctx context.Context, deps Deps) error {
	tunnels, err := deps.API.ListTunnels(ctx)
	if err != nil {
		return fmt.Errorf("listing tunnels: %w", err)
	}

	threshold := time.Now().Add(-recentlyUsedThreshold)
	var oldestID string
	var oldestAt time.Time
	found := false
	for _, t := range tunnels {
		if t.LastActive.After(threshold) {
			continue
		}
		if !found || t.LastActive.Before(oldestAt) {
			oldestID, oldestAt, found = t.ID, t.LastActive, true
		}
	}
	if !found {
		return fmt.Errorf("no unused obfuscated tunnel found")
	}

	return deps.API.DeleteTunnel(ctx, oldestID)
}

func finishConnect(ctx context.Context, log *zap.Logger, candidate relay.Candidate, secretKey [32]byte, tunnelInfo apitypes.TunnelInfo) (*wgquic.Conn, error) {
	cfg := tunnelInfo.Config

	remote, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", candidate.Relay.IPv4, candidate.Port))
	if err != nil {
		return nil, fmt.Errorf("parsing relay endpoint: %w", err)
	}

	qconn := candidate.Handshake.QUICConnection()
	bind := wgquic.NewBind(qconn, remote)

	session, err := wireguard.NewSession(ctx, secretKey, cfg.ExitPublicKey, bind, remote.String(), log)
	if err != nil {
		return nil, fmt.Errorf("starting wireguard session: %w", err)
	}

	if err := wgquic.WaitForFirstHandshake(ctx, session, log); err != nil {
		session.Close()
		return nil, fmt.Errorf("waiting for wireguard handshake: %w", err)
	}

	clientIP := parseIPv4(cfg.ClientIPv4)
	gatewayIP := parseIPv4(cfg.GatewayIPv4)
	checker := liveness.New(cfg.MTU, clientIP, gatewayIP)

	return wgquic.NewConn(qconn, session, checker, log), nil
}

func parseIPv4(s string) [4]byte {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return [4]byte{}
	}
	return addr.As4()
}

func selectorSnapshot(s exitselect.Selector) (json.RawMessage, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling exit selector: %w", err)
	}
	return raw, nil
}
