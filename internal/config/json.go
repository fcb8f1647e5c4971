package config

import "encoding/json"

// knownConfigFields lists every top-level JSON key Config understands. Keys
// outside this set are preserved verbatim in extra (forward compatibility);
// keys inside this set that fail to parse reset to that field's default
// without touching any other field (backward/corruption tolerance) — the
// hard requirement in spec.md §3 and §8's "Config corrupt field" scenario.
var knownConfigFields = map[string]bool{
	"apiUrl": true, "apiHostAlternate": true, "sniRelay": true,
	"accountId": true, "oldAccountIds": true, "localTunnelIds": true,
	"inNewAccountFlow": true, "autoConnect": true, "pinnedLocations": true,
	"featureFlags": true, "dnsMode": true, "lastChosenExit": true,
	"lastExitSelector": true, "wireguardKeyCache": true, "cachedExits": true,
	"cachedAuthToken": true, "cachedAccountStatus": true, "dnsCache": true,
}

// UnmarshalJSON implements per-field corruption tolerance: each field is
// decoded independently, and a structurally invalid value resets just that
// field to its default rather than aborting the whole decode.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	def := Default()
	*c = Config{
		OldAccountIDs:     def.OldAccountIDs,
		LocalTunnelIDs:    def.LocalTunnelIDs,
		PinnedLocations:   def.PinnedLocations,
		FeatureFlags:      def.FeatureFlags,
		DNSMode:           def.DNSMode,
		DNSCache:          def.DNSCache,
		WireGuardKeyCache: def.WireGuardKeyCache,
	}

	tryField(raw, "apiUrl", &c.APIURL)
	tryField(raw, "apiHostAlternate", &c.APIHostAlternate)
	tryField(raw, "sniRelay", &c.SNIRelay)
	tryField(raw, "accountId", &c.AccountID)
	tryField(raw, "oldAccountIds", &c.OldAccountIDs)
	tryField(raw, "localTunnelIds", &c.LocalTunnelIDs)
	tryField(raw, "inNewAccountFlow", &c.InNewAccountFlow)
	tryField(raw, "autoConnect", &c.AutoConnect)
	tryField(raw, "pinnedLocations", &c.PinnedLocations)
	tryField(raw, "featureFlags", &c.FeatureFlags)
	tryField(raw, "dnsMode", &c.DNSMode)
	tryField(raw, "lastChosenExit", &c.LastChosenExit)
	tryField(raw, "lastExitSelector", &c.LastExitSelector)
	tryField(raw, "wireguardKeyCache", &c.WireGuardKeyCache)
	tryField(raw, "cachedExits", &c.CachedExits)
	tryField(raw, "cachedAuthToken", &c.CachedAuthToken)
	tryField(raw, "cachedAccountStatus", &c.CachedAccountStatus)
	tryField(raw, "dnsCache", &c.DNSCache)

	c.extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownConfigFields[k] {
			c.extra[k] = v
		}
	}
	return nil
}

// tryField decodes raw[key] into *dst, leaving dst (already carrying its
// default) untouched on any structural error.
func tryField[T any](raw map[string]json.RawMessage, key string, dst *T) {
	v, ok := raw[key]
	if !ok || v == nil {
		return
	}
	var decoded T
	if err := json.Unmarshal(v, &decoded); err != nil {
		return
	}
	*dst = decoded
}

// MarshalJSON re-emits known fields plus any preserved unknown ones.
func (c Config) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range c.extra {
		out[k] = v
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}

	fields := []struct {
		key string
		val any
	}{
		{"apiUrl", c.APIURL},
		{"apiHostAlternate", c.APIHostAlternate},
		{"sniRelay", c.SNIRelay},
		{"accountId", c.AccountID},
		{"oldAccountIds", c.OldAccountIDs},
		{"localTunnelIds", c.LocalTunnelIDs},
		{"inNewAccountFlow", c.InNewAccountFlow},
		{"autoConnect", c.AutoConnect},
		{"pinnedLocations", c.PinnedLocations},
		{"featureFlags", c.FeatureFlags},
		{"dnsMode", c.DNSMode},
		{"lastChosenExit", c.LastChosenExit},
		{"lastExitSelector", c.LastExitSelector},
		{"wireguardKeyCache", c.WireGuardKeyCache},
		{"cachedExits", c.CachedExits},
		{"cachedAuthToken", c.CachedAuthToken},
		{"cachedAccountStatus", c.CachedAccountStatus},
		{"dnsCache", c.DNSCache},
	}
	for _, f := range fields {
		if err := set(f.key, f.val); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}
