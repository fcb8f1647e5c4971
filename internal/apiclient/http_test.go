package apiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/apiclient"
	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
)

func newTestHandle(t *testing.T, apiURL string) *config.Handle {
	t.Helper()
	store := config.NewStore(t.TempDir(), nil)
	handle := config.NewHandle(store)
	require.NoError(t, handle.Change(func(c *config.Config) {
		c.APIURL = &apiURL
	}))
	return handle
}

func TestHTTPClient_ListRelaysDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/relays", r.URL.Path)
		json.NewEncoder(w).Encode([]apitypes.OneRelay{{ID: "relay-1", IPv4: "203.0.113.1"}})
	}))
	defer srv.Close()

	client := apiclient.NewHTTPClient(newTestHandle(t, srv.URL), nil)
	relays, err := client.ListRelays(context.Background())
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, "relay-1", relays[0].ID)
}

func TestHTTPClient_CreateTunnelSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(apitypes.TunnelInfo{ID: "tun-1"})
	}))
	defer srv.Close()

	handle := newTestHandle(t, srv.URL)
	token := apitypes.AuthToken("secret-token")
	require.NoError(t, handle.Change(func(c *config.Config) { c.CachedAuthToken = &token }))

	client := apiclient.NewHTTPClient(handle, nil)
	info, err := client.CreateTunnel(context.Background(), apiclient.CreateTunnelRequest{ID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, "tun-1", info.ID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestHTTPClient_MapsTunnelLimitExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"kind": "tunnelLimitExceeded"}})
	}))
	defer srv.Close()

	client := apiclient.NewHTTPClient(newTestHandle(t, srv.URL), nil)
	_, err := client.CreateTunnel(context.Background(), apiclient.CreateTunnelRequest{ID: uuid.New()})
	assert.ErrorIs(t, err, apiclient.ErrTunnelLimitExceeded)
}

func TestHTTPClient_ListExitsReturnsUnchangedOn304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "etag-123", r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	client := apiclient.NewHTTPClient(newTestHandle(t, srv.URL), nil)
	_, changed, err := client.ListExits(context.Background(), "etag-123")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestHTTPClient_DeleteTunnelSendsNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/tunnels/tun-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := apiclient.NewHTTPClient(newTestHandle(t, srv.URL), nil)
	require.NoError(t, client.DeleteTunnel(context.Background(), "tun-1"))
}
