package config_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
)

func TestStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, nil)

	acct := apitypes.AccountId("acct_123")
	cfg := config.Default()
	cfg.AccountID = &acct
	cfg.AutoConnect = true
	cfg.PinnedLocations = []config.PinnedLocation{{CountryCode: "US", CityCode: "NYC"}}

	require.NoError(t, store.Save(cfg))

	loaded := store.Load()
	assert.Equal(t, cfg.AccountID, loaded.AccountID)
	assert.Equal(t, cfg.AutoConnect, loaded.AutoConnect)
	assert.Equal(t, cfg.PinnedLocations, loaded.PinnedLocations)
}

func TestStore_MissingFileReturnsDefaults(t *testing.T) {
	store := config.NewStore(t.TempDir(), nil)
	cfg := store.Load()
	assert.False(t, cfg.AutoConnect)
	assert.NotNil(t, cfg.FeatureFlags)
}

func TestStore_CorruptFieldResetsOnlyThatField(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, nil)

	acct := apitypes.AccountId("acct_keepme")
	cfg := config.Default()
	cfg.AccountID = &acct
	cfg.PinnedLocations = []config.PinnedLocation{{CountryCode: "FR", CityCode: "PAR"}}
	require.NoError(t, store.Save(cfg))

	// Corrupt apiUrl in the persisted file: wrong type (number instead of string).
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	m["apiUrl"] = json.RawMessage(`42`)
	corrupted, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, writeFile(dir+"/config.json", corrupted))

	loaded := store.Load()
	assert.Nil(t, loaded.APIURL)
	assert.Equal(t, &acct, loaded.AccountID)
	assert.Equal(t, cfg.PinnedLocations, loaded.PinnedLocations)
}

func TestStore_UnparseableFileBacksUpAndResets(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, nil)
	require.NoError(t, store.Save(config.Default()))

	path := dir + "/config.json"
	require.NoError(t, writeFile(path, []byte("{not json")))

	cfg := store.Load()
	assert.False(t, cfg.AutoConnect)

	entries := listDir(t, dir)
	var hasBackup bool
	for _, e := range entries {
		if len(e) > 14 && e[:14] == "config-backup-" {
			hasBackup = true
		}
	}
	assert.True(t, hasBackup, "expected a config-backup-*.json file, got %v", entries)
}

func jsonConfig(t *testing.T, raw []byte) *config.Config {
	t.Helper()
	var cfg config.Config
	require.NoError(t, json.Unmarshal(raw, &cfg))
	return &cfg
}
