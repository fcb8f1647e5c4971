// Package manager is the thin orchestration layer spec.md §4.L describes:
// a target-state setter and version-keyed status subscription sitting on
// top of internal/fsm, plus the account/config commands and the
// background WireGuard key-registration loop. Grounded on original_source
// rustlib/src/manager.rs::Manager.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apiclient"
	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/backoff"
	"github.com/obscuratun/tunnelcore/internal/config"
	"github.com/obscuratun/tunnelcore/internal/fsm"
	"github.com/obscuratun/tunnelcore/internal/watch"
)

// DefaultAPIURL is reported in Status when no override is configured.
const DefaultAPIURL = "https://api.obscura.example"

// Status is a version-stamped snapshot of everything a host UI needs to
// render, grounded on original_source manager.rs::Status.
type Status struct {
	Version          uuid.UUID
	VpnStatus        fsm.State
	AccountID        *apitypes.AccountId
	InNewAccountFlow bool
	PinnedLocations  []config.PinnedLocation
	LastExitSelector []byte
	APIURL           string
	Account          *config.AccountStatus
	AutoConnect      bool
}

// Manager glues a Config, an API client, and a TunnelFSM together.
type Manager struct {
	cfg *config.Handle
	api apiclient.Client
	fsm *fsm.FSM
	log *zap.Logger

	status *watch.Value[Status]
	cancel context.CancelFunc
}

// New wires a Manager around an already-running FSM and starts its
// background tasks. Callers are expected to also be running fsm.Run in
// its own goroutine.
func New(cfg *config.Handle, api apiclient.Client, f *fsm.FSM, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{cfg: cfg, api: api, fsm: f, log: log}

	initial, _ := f.State()
	m.status = watch.New(m.buildStatus(initial))

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.propagateFSMState(ctx)
	go m.wireGuardKeyRegistrationTask(ctx)
	return m
}

// Close stops the Manager's background tasks. It does not stop the FSM.
func (m *Manager) Close() { m.cancel() }

func (m *Manager) buildStatus(vpn fsm.State) Status {
	snap := m.cfg.Snapshot()
	apiURL := DefaultAPIURL
	if snap.APIURL != nil {
		apiURL = *snap.APIURL
	}
	return Status{
		Version:          uuid.New(),
		VpnStatus:        vpn,
		AccountID:        snap.AccountID,
		InNewAccountFlow: snap.InNewAccountFlow,
		PinnedLocations:  snap.PinnedLocations,
		LastExitSelector: []byte(snap.LastExitSelector),
		APIURL:           apiURL,
		Account:          snap.CachedAccountStatus,
		AutoConnect:      snap.AutoConnect,
	}
}

func (m *Manager) refreshStatus() {
	cur, _ := m.fsm.State()
	m.status.Set(m.buildStatus(cur))
}

func (m *Manager) propagateFSMState(ctx context.Context) {
	var version uint64
	for {
		state, v, err := m.fsm.WaitStateChanged(ctx, version)
		if err != nil {
			return
		}
		version = v
		m.status.Set(m.buildStatus(state))
	}
}

// Status returns the current status snapshot and its version.
func (m *Manager) Status() (Status, uint64) { return m.status.Get() }

// WaitStatusChanged implements the long-poll half of GetStatus: it
// blocks until the status version advances past knownVersion.
func (m *Manager) WaitStatusChanged(ctx context.Context, knownVersion uint64) (Status, uint64, error) {
	return m.status.WaitChanged(ctx, knownVersion)
}

// SetTargetState updates the FSM's target. If the tunnel is currently
// disconnected and args requests a connection, allowActivation must be
// true or the call is rejected — this is how a host can let the user
// toggle a previously-requested disconnect without the FSM silently
// reconnecting underneath them.
func (m *Manager) SetTargetState(args *fsm.TunnelArgs, allowActivation bool) error {
	current, _ := m.fsm.Target()
	if targetStateEqual(current.Args, args) {
		m.log.Debug("not setting target state, identical to current")
		return nil
	}
	if current.Args == nil && args != nil && !allowActivation {
		return fmt.Errorf("manager: activation not allowed")
	}
	m.fsm.SetTarget(args)
	return nil
}

func targetStateEqual(a, b *fsm.TunnelArgs) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Login records accountID (retaining the previous one in history) and
// optionally validates it against the API before saving.
func (m *Manager) Login(ctx context.Context, accountID apitypes.AccountId, validate bool) error {
	if validate {
		if _, err := m.api.GetAccountInfo(ctx); err != nil {
			return fmt.Errorf("validating account: %w", err)
		}
	}
	err := m.cfg.Change(func(c *config.Config) {
		if c.AccountID != nil && *c.AccountID != accountID {
			c.OldAccountIDs = append(c.OldAccountIDs, *c.AccountID)
		}
		id := accountID
		c.AccountID = &id
	})
	if err != nil {
		return fmt.Errorf("saving account id: %w", err)
	}
	m.refreshStatus()
	return nil
}

// Logout clears the active account, retaining it in history.
func (m *Manager) Logout() error {
	err := m.cfg.Change(func(c *config.Config) {
		if c.AccountID != nil {
			c.OldAccountIDs = append(c.OldAccountIDs, *c.AccountID)
		}
		c.AccountID = nil
		c.CachedAuthToken = nil
		c.CachedAccountStatus = nil
	})
	m.refreshStatus()
	return err
}

// SetPinnedExits replaces the user's pinned city locations.
func (m *Manager) SetPinnedExits(locations []config.PinnedLocation) error {
	err := m.cfg.Change(func(c *config.Config) { c.PinnedLocations = locations })
	m.refreshStatus()
	return err
}

// SetInNewAccountFlow toggles whether the UI is walking the user through
// account creation.
func (m *Manager) SetInNewAccountFlow(value bool) error {
	err := m.cfg.Change(func(c *config.Config) { c.InNewAccountFlow = value })
	m.refreshStatus()
	return err
}

// SetAPIURL overrides (or clears, with nil) the API base URL.
func (m *Manager) SetAPIURL(value *string) error {
	err := m.cfg.Change(func(c *config.Config) { c.APIURL = value })
	m.refreshStatus()
	return err
}

// SetAPIHostAlternate overrides (or clears) the alternate API host used
// when the primary is unreachable.
func (m *Manager) SetAPIHostAlternate(value *string) error {
	err := m.cfg.Change(func(c *config.Config) { c.APIHostAlternate = value })
	m.refreshStatus()
	return err
}

// SetSNIRelay overrides (or clears) the relay control-stream SNI.
func (m *Manager) SetSNIRelay(value *string) error {
	err := m.cfg.Change(func(c *config.Config) { c.SNIRelay = value })
	m.refreshStatus()
	return err
}

// SetAutoConnect records the user's last explicit connect/disconnect
// decision so a restart doesn't silently reconnect against their wishes.
func (m *Manager) SetAutoConnect(enable bool) error {
	err := m.cfg.Change(func(c *config.Config) { c.AutoConnect = enable })
	m.refreshStatus()
	return err
}

// RotateWgKey forces an immediate key rotation.
func (m *Manager) RotateWgKey() error {
	return m.cfg.Change(func(c *config.Config) { c.WireGuardKeyCache.RotateNow() })
}

// GetAccountInfo fetches and caches the latest account info.
func (m *Manager) GetAccountInfo(ctx context.Context) (apitypes.AccountInfo, error) {
	info, err := m.api.GetAccountInfo(ctx)
	if err != nil {
		return apitypes.AccountInfo{}, fmt.Errorf("fetching account info: %w", err)
	}
	if err := m.cfg.Change(func(c *config.Config) {
		c.CachedAccountStatus = &config.AccountStatus{AccountInfo: info, LastUpdatedAt: time.Now()}
	}); err != nil {
		return apitypes.AccountInfo{}, fmt.Errorf("caching account info: %w", err)
	}
	m.refreshStatus()
	return info, nil
}

// RefreshExitList conditionally refreshes the cached exit list, reusing
// the cached copy if it is younger than freshness.
func (m *Manager) RefreshExitList(ctx context.Context, freshness time.Duration) error {
	cached := m.cfg.Snapshot().CachedExits
	if cached.Fresh(freshness, time.Now()) {
		return nil
	}
	var etag string
	if cached != nil {
		etag = cached.ETag
	}
	fresh, changed, err := m.api.ListExits(ctx, etag)
	if err != nil {
		return fmt.Errorf("refreshing exit list: %w", err)
	}
	if changed {
		return m.cfg.Change(func(c *config.Config) { c.CachedExits = &fresh })
	}
	return nil
}

// TrafficStats returns continuous, reconnect-spanning traffic counters.
func (m *Manager) TrafficStats() fsm.TrafficStats {
	cur, _ := m.fsm.State()
	return cur.TrafficStats()
}

// GetDebugInfo returns a redacted dump of the persisted config.
func (m *Manager) GetDebugInfo() config.Debug {
	return m.cfg.Snapshot().Debug()
}

// wireGuardKeyRegistrationTask mirrors original_source
// wireguard_key_registraction_task: whenever the account becomes active
// while the tunnel is disconnected, try to register the current
// WireGuard key, retrying up to 10 times with background backoff.
func (m *Manager) wireGuardKeyRegistrationTask(ctx context.Context) {
	var knownVersion uint64
	for {
		status, v, err := m.status.WaitChanged(ctx, knownVersion)
		if err != nil {
			return
		}
		knownVersion = v

		if !triggersKeyRegistration(status) {
			continue
		}

		retries := backoff.Background.Iterator(10)
		for {
			if err := m.registerCurrentKeyIfNeeded(ctx); err == nil {
				break
			} else {
				m.log.Warn("failed attempt to register cached wireguard key", zap.Error(err))
			}
			if !retries.Wait(ctx) {
				break
			}
		}
	}
}

func triggersKeyRegistration(status Status) bool {
	if status.Account == nil || !status.Account.AccountInfo.Active {
		return false
	}
	_, disconnected := status.VpnStatus.(fsm.Disconnected)
	return disconnected
}

func (m *Manager) registerCurrentKeyIfNeeded(ctx context.Context) error {
	snap := m.cfg.Snapshot()
	current, old, needed := snap.WireGuardKeyCache.NeedRegistration()
	if !needed {
		return nil
	}
	if err := m.api.RegisterWireGuardKey(ctx, current); err != nil {
		return fmt.Errorf("registering wireguard key: %w", err)
	}

	var removed []apitypes.WgPubkey
	if len(old) > 0 {
		if err := m.api.DeregisterWireGuardKeys(ctx, old); err != nil {
			m.log.Warn("failed to deregister old wireguard keys", zap.Error(err))
		} else {
			removed = old
		}
	}

	return m.cfg.Change(func(c *config.Config) {
		c.WireGuardKeyCache.MarkRegistered(removed)
	})
}
