package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apiclient"
	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
	"github.com/obscuratun/tunnelcore/internal/relay"
)

func noopLogger() *zap.Logger { return zap.NewNop() }

type fakeAPI struct {
	createTunnelCalls  int
	createTunnelErrors []error
	createdTunnel      apitypes.TunnelInfo

	deletedTunnelIDs []string
	listTunnelsReply []apitypes.TunnelInfo
}

func (f *fakeAPI) ListRelays(ctx context.Context) ([]apitypes.OneRelay, error) { return nil, nil }

func (f *fakeAPI) ListExits(ctx context.Context, etag string) (config.ConfigCached[apitypes.ExitList], bool, error) {
	return config.ConfigCached[apitypes.ExitList]{}, false, nil
}

func (f *fakeAPI) CreateTunnel(ctx context.Context, req apiclient.CreateTunnelRequest) (apitypes.TunnelInfo, error) {
	idx := f.createTunnelCalls
	f.createTunnelCalls++
	if idx < len(f.createTunnelErrors) {
		if err := f.createTunnelErrors[idx]; err != nil {
			return apitypes.TunnelInfo{}, err
		}
	}
	return f.createdTunnel, nil
}

func (f *fakeAPI) ListTunnels(ctx context.Context) ([]apitypes.TunnelInfo, error) {
	return f.listTunnelsReply, nil
}

func (f *fakeAPI) DeleteTunnel(ctx context.Context, id string) error {
	f.deletedTunnelIDs = append(f.deletedTunnelIDs, id)
	return nil
}

func (f *fakeAPI) RegisterWireGuardKey(ctx context.Context, pub apitypes.WgPubkey) error { return nil }
func (f *fakeAPI) DeregisterWireGuardKeys(ctx context.Context, pubs []apitypes.WgPubkey) error {
	return nil
}
func (f *fakeAPI) GetAccountInfo(ctx context.Context) (apitypes.AccountInfo, error) {
	return apitypes.AccountInfo{}, nil
}

func newTestHandle(t *testing.T) *config.Handle {
	t.Helper()
	store := config.NewStore(t.TempDir(), nil)
	return config.NewHandle(store)
}

func TestCreateTunnelWithRetry_RotatesKeyOnRequiredRotation(t *testing.T) {
	api := &fakeAPI{
		createTunnelErrors: []error{apiclient.ErrWgKeyRotationRequired},
		createdTunnel:      apitypes.TunnelInfo{Relay: apitypes.OneRelay{ID: "r1"}},
	}
	handle := newTestHandle(t)
	deps := Deps{API: api, Config: handle}

	info, _, _, err := createTunnelWithRetry(context.Background(), deps, noopLogger(), apitypes.OneRelay{ID: "r1"}, apitypes.OneExit{ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", info.Relay.ID)
	assert.Equal(t, 2, api.createTunnelCalls)
}

func TestCreateTunnelWithRetry_DeletesIdleTunnelOnLimitExceeded(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	api := &fakeAPI{
		createTunnelErrors: []error{apiclient.ErrTunnelLimitExceeded},
		createdTunnel:      apitypes.TunnelInfo{Relay: apitypes.OneRelay{ID: "r1"}},
		listTunnelsReply: []apitypes.TunnelInfo{
			{ID: "idle-1", LastActive: old},
			{ID: "recent-1", LastActive: time.Now()},
		},
	}
	handle := newTestHandle(t)
	deps := Deps{API: api, Config: handle}

	_, _, _, err := createTunnelWithRetry(context.Background(), deps, noopLogger(), apitypes.OneRelay{ID: "r1"}, apitypes.OneExit{ID: "e1"})
	require.NoError(t, err)
	require.Len(t, api.deletedTunnelIDs, 1)
	assert.Equal(t, "idle-1", api.deletedTunnelIDs[0])
}

func TestCreateTunnelWithRetry_GivesUpWhenNoIdleTunnelFound(t *testing.T) {
	api := &fakeAPI{
		createTunnelErrors: []error{apiclient.ErrTunnelLimitExceeded},
		listTunnelsReply:   []apitypes.TunnelInfo{{ID: "recent-1", LastActive: time.Now()}},
	}
	handle := newTestHandle(t)
	deps := Deps{API: api, Config: handle}

	_, _, _, err := createTunnelWithRetry(context.Background(), deps, noopLogger(), apitypes.OneRelay{ID: "r1"}, apitypes.OneExit{ID: "e1"})
	require.Error(t, err)
	assert.Empty(t, api.deletedTunnelIDs)
}

func TestCreateTunnelWithRetry_PropagatesOtherErrors(t *testing.T) {
	api := &fakeAPI{createTunnelErrors: []error{errors.New("boom")}}
	handle := newTestHandle(t)
	deps := Deps{API: api, Config: handle}

	_, _, _, err := createTunnelWithRetry(context.Background(), deps, noopLogger(), apitypes.OneRelay{ID: "r1"}, apitypes.OneExit{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

type fakeRaceHandshake struct {
	rtt       time.Duration
	abandoned int32
}

func (f *fakeRaceHandshake) MeasureRTT(ctx context.Context) (time.Duration, error) { return f.rtt, nil }
func (f *fakeRaceHandshake) Abandon(ctx context.Context)                           { atomic.AddInt32(&f.abandoned, 1) }
func (f *fakeRaceHandshake) QUICConnection() quic.Connection                       { return nil }

func TestRaceForBestCandidate_PrefersLowerRTTAndAbandonsLoser(t *testing.T) {
	relayA := apitypes.OneRelay{ID: "relay-a", Ports: []uint16{1}}
	relayB := apitypes.OneRelay{ID: "relay-b", Ports: []uint16{1}}

	hsA := &fakeRaceHandshake{rtt: 100 * time.Millisecond}
	hsB := &fakeRaceHandshake{rtt: 10 * time.Millisecond}

	dial := func(ctx context.Context, r apitypes.OneRelay, port uint16) (relay.Handshake, error) {
		switch r.ID {
		case "relay-a":
			time.Sleep(20 * time.Millisecond)
			return hsA, nil
		case "relay-b":
			time.Sleep(30 * time.Millisecond)
			return hsB, nil
		default:
			return nil, errors.New("unknown relay")
		}
	}

	deps := Deps{Config: newTestHandle(t), Dial: dial, Log: noopLogger()}

	candidate, err := raceForBestCandidate(context.Background(), deps, []apitypes.OneRelay{relayA, relayB})
	require.NoError(t, err)
	assert.Equal(t, "relay-b", candidate.Relay.ID)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hsA.abandoned) == 1
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&hsB.abandoned))
}

func TestRaceForBestCandidate_NoSuccessfulDialIsAnError(t *testing.T) {
	dial := func(ctx context.Context, r apitypes.OneRelay, port uint16) (relay.Handshake, error) {
		return nil, errors.New("dial failed")
	}
	deps := Deps{Config: newTestHandle(t), Dial: dial, Log: noopLogger()}

	_, err := raceForBestCandidate(context.Background(), deps, []apitypes.OneRelay{{ID: "relay-a", Ports: []uint16{1}}})
	require.Error(t, err)
}
