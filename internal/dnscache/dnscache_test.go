package dnscache_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/config"
	"github.com/obscuratun/tunnelcore/internal/dnscache"
)

func newTestHandle(t *testing.T) *config.Handle {
	t.Helper()
	store := config.NewStore(t.TempDir(), nil)
	return config.NewHandle(store)
}

func TestCache_SetThenGetRoundTrips(t *testing.T) {
	handle := newTestHandle(t)
	cache := dnscache.New(handle)

	want := []netip.AddrPort{netip.MustParseAddrPort("203.0.113.9:443")}
	require.NoError(t, cache.Set("api.example", want))

	assert.Equal(t, want, cache.Get("api.example"))
}

func TestCache_GetOnUnknownNameIsEmpty(t *testing.T) {
	handle := newTestHandle(t)
	cache := dnscache.New(handle)

	assert.Empty(t, cache.Get("never-cached.example"))
}

func TestCache_DialContextRecordsSuccessfulResolution(t *testing.T) {
	handle := newTestHandle(t)
	cache := dnscache.New(handle)

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	conn, err := cache.DialContext(context.Background(), dial, "tcp", "127.0.0.1:9999")
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:9999")}, cache.Get("127.0.0.1"))
}

func TestCache_DialContextFallsBackToCachedAddress(t *testing.T) {
	handle := newTestHandle(t)
	cache := dnscache.New(handle)
	require.NoError(t, cache.Set("api.example", []netip.AddrPort{netip.MustParseAddrPort("203.0.113.9:443")}))

	var dialedAddrs []string
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialedAddrs = append(dialedAddrs, addr)
		if addr == "203.0.113.9:443" {
			client, server := net.Pipe()
			server.Close()
			return client, nil
		}
		return nil, errors.New("connection refused")
	}

	conn, err := cache.DialContext(context.Background(), dial, "tcp", "api.example:443")
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, []string{"api.example:443", "203.0.113.9:443"}, dialedAddrs)
}

func TestCache_DialContextReturnsLastErrorWhenAllFallbacksFail(t *testing.T) {
	handle := newTestHandle(t)
	cache := dnscache.New(handle)
	require.NoError(t, cache.Set("api.example", []netip.AddrPort{netip.MustParseAddrPort("203.0.113.9:443")}))

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused: " + addr)
	}

	_, err := cache.DialContext(context.Background(), dial, "tcp", "api.example:443")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "203.0.113.9:443")
}
