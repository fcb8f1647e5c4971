// Package config implements ConfigStore (spec.md §4.B) and the WireGuard
// KeyCache (spec.md §4.C): atomic, per-field corruption-tolerant on-disk
// state, grounded on original_source rustlib/src/config/persistence.rs.
package config

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
)

// Config is the full persisted configuration (spec.md §3). Every field
// round-trips through JSON independently — a malformed field resets to its
// default value without disturbing its siblings (see UnmarshalJSON).
type Config struct {
	APIURL               *string                        `json:"apiUrl,omitempty"`
	APIHostAlternate     *string                        `json:"apiHostAlternate,omitempty"`
	SNIRelay             *string                        `json:"sniRelay,omitempty"`
	AccountID            *apitypes.AccountId            `json:"accountId,omitempty"`
	OldAccountIDs        []apitypes.AccountId           `json:"oldAccountIds"`
	LocalTunnelIDs       []string                       `json:"localTunnelIds"`
	InNewAccountFlow     bool                            `json:"inNewAccountFlow"`
	AutoConnect          bool                            `json:"autoConnect"`
	PinnedLocations      []PinnedLocation               `json:"pinnedLocations"`
	FeatureFlags         FeatureFlags                   `json:"featureFlags"`
	DNSMode              string                         `json:"dnsMode"`
	LastChosenExit       *string                        `json:"lastChosenExit,omitempty"` // deprecated, migration only
	LastExitSelector     json.RawMessage                `json:"lastExitSelector,omitempty"`
	WireGuardKeyCache    WireGuardKeyCache              `json:"wireguardKeyCache"`
	CachedExits          *ConfigCached[apitypes.ExitList] `json:"cachedExits,omitempty"`
	CachedAuthToken      *apitypes.AuthToken            `json:"cachedAuthToken,omitempty"`
	CachedAccountStatus  *AccountStatus                 `json:"cachedAccountStatus,omitempty"`
	DNSCache             map[string][]string            `json:"dnsCache"`

	// extra preserves any top-level JSON fields this binary doesn't know
	// about, so a newer client's data survives a round-trip through an
	// older one.
	extra map[string]json.RawMessage `json:"-"`
}

// AccountStatus wraps the last fetched AccountInfo plus a freshness stamp.
type AccountStatus struct {
	AccountInfo   apitypes.AccountInfo `json:"accountInfo"`
	LastUpdatedAt time.Time            `json:"lastUpdatedAt"`
}

// PinnedLocation is a user-pinned city, grounded in original_source
// config/persistence.rs::PinnedLocation.
type PinnedLocation struct {
	CountryCode string    `json:"countryCode"`
	CityCode    string    `json:"cityCode"`
	PinnedAt    time.Time `json:"pinnedAt"`
}

// FeatureFlags is an open set of named booleans; unknown keys survive a
// load/save round trip untouched, matching spec.md §3's "unknown field in
// nested feature-flag objects is preserved" invariant.
type FeatureFlags map[string]bool

func (f FeatureFlags) Get(name string) bool {
	return f[name]
}

func (f FeatureFlags) Set(name string, value bool) FeatureFlags {
	if f == nil {
		f = FeatureFlags{}
	}
	f[name] = value
	return f
}

// Well-known feature flag names.
const (
	FeatureTCPTLSTunnel     = "tcpTlsTunnel"
	FeatureQuicFramePadding = "quicFramePadding"
)

// ConfigCached wraps a value with an ETag and retrieval time, used for the
// exit list cache (spec.md §3, §4.J step 1's "conditional-GET with ETag").
type ConfigCached[T any] struct {
	Value       T         `json:"value"`
	ETag        string    `json:"etag,omitempty"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

// Fresh reports whether the cached value is no older than maxAge.
func (c *ConfigCached[T]) Fresh(maxAge time.Duration, now time.Time) bool {
	return c != nil && now.Sub(c.RetrievedAt) < maxAge
}

// Default returns a fresh default Config, generating a new WireGuard
// secret key the way the on-disk format requires at least one to exist.
func Default() *Config {
	return &Config{
		OldAccountIDs:     nil,
		LocalTunnelIDs:    nil,
		PinnedLocations:   nil,
		FeatureFlags:      FeatureFlags{},
		DNSMode:           "automatic",
		// Seeds the same well-known API address the Rust client shipped, so
		// the fallback dial path works before any lookup has ever succeeded.
		DNSCache:          map[string][]string{"v1.api.prod.obscura.net": {"66.42.95.12:0"}},
		WireGuardKeyCache: newWireGuardKeyCache(),
	}
}

func newSecretKey() [32]byte {
	var sk [32]byte
	if _, err := rand.Read(sk[:]); err != nil {
		// crypto/rand failing is a fatal platform problem elsewhere in the
		// codebase too; panicking here surfaces it immediately instead of
		// silently shipping an all-zero key.
		panic(fmt.Sprintf("config: crypto/rand unavailable: %v", err))
	}
	return sk
}

// Migrate performs the one-shot forward migration described in spec.md §9 /
// SPEC_FULL.md §7: a deprecated single last-chosen-exit string becomes an
// ExitSelector if no selector has been recorded yet.
func (c *Config) Migrate() {
	if c.LastExitSelector == nil && c.LastChosenExit != nil {
		sel := struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}{Type: "exit", ID: *c.LastChosenExit}
		if raw, err := json.Marshal(sel); err == nil {
			c.LastExitSelector = raw
		}
	}
}

// Debug returns a redacted view suitable for GetDebugInfo (spec.md §4.L),
// grounded on original_source config/persistence.rs::ConfigDebug.
type Debug struct {
	APIURL              *string  `json:"apiUrl,omitempty"`
	LocalTunnelIDs      []string `json:"localTunnelIds"`
	InNewAccountFlow    bool     `json:"inNewAccountFlow"`
	PinnedLocations     []PinnedLocation `json:"pinnedLocations"`
	LastChosenExit      *string  `json:"lastChosenExit,omitempty"`
	HasAccountID        bool     `json:"hasAccountId"`
	HasCachedAuthToken  bool     `json:"hasCachedAuthToken"`
	AutoConnect         bool     `json:"autoConnect"`
	CachedExitsETag     string   `json:"cachedExitsEtag,omitempty"`
}

func (c *Config) Debug() Debug {
	d := Debug{
		APIURL:           c.APIURL,
		LocalTunnelIDs:   c.LocalTunnelIDs,
		InNewAccountFlow: c.InNewAccountFlow,
		PinnedLocations:  c.PinnedLocations,
		LastChosenExit:   c.LastChosenExit,
		HasAccountID:     c.AccountID != nil,
		HasCachedAuthToken: c.CachedAuthToken != nil,
		AutoConnect:      c.AutoConnect,
	}
	if c.CachedExits != nil {
		d.CachedExitsETag = c.CachedExits.ETag
	}
	return d
}

// Clone deep-copies the config via JSON round trip so ConfigStore readers
// can safely mutate their own snapshot.
func (c *Config) Clone() *Config {
	raw, err := json.Marshal(c)
	if err != nil {
		// Marshal of our own well-formed struct should never fail.
		panic(fmt.Sprintf("config: clone marshal: %v", err))
	}
	clone := Default()
	if err := json.Unmarshal(raw, clone); err != nil {
		panic(fmt.Sprintf("config: clone unmarshal: %v", err))
	}
	return clone
}
