package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
	"github.com/obscuratun/tunnelcore/internal/dnscache"
)

// defaultAPIURL is used when no override is configured. Duplicated from
// internal/manager's DefaultAPIURL (rather than imported) to avoid an
// import cycle: manager depends on apiclient, not the other way around.
const defaultAPIURL = "https://api.obscura.example"

// HTTPClient implements Client against the REST API spec.md §4.D
// describes, the way the teacher's own api package talks HTTP: plain
// net/http and encoding/json, no third-party REST client.
type HTTPClient struct {
	http *http.Client
	cfg  *config.Handle
	log  *zap.Logger
}

// NewHTTPClient builds an HTTPClient that reads its base URL and bearer
// token from cfg on every request, so a Login/SetAPIURL change takes
// effect on the very next call without needing to rebuild the client.
func NewHTTPClient(cfg *config.Handle, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	cache := dnscache.New(cfg)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cache.DialContext(ctx, dialer.DialContext, network, addr)
		},
	}
	return &HTTPClient{
		http: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		cfg:  cfg,
		log:  log,
	}
}

func (c *HTTPClient) baseURL() string {
	snap := c.cfg.Snapshot()
	if snap.APIURL != nil {
		return *snap.APIURL
	}
	return defaultAPIURL
}

func (c *HTTPClient) bearerToken() string {
	snap := c.cfg.Snapshot()
	if snap.CachedAuthToken != nil {
		return string(*snap.CachedAuthToken)
	}
	return ""
}

type apiErrorBody struct {
	Error struct {
		Kind string `json:"kind"`
	} `json:"error"`
}

// do issues an HTTP request and decodes a JSON response into out (which
// may be nil for no-body responses). On a non-2xx response it maps the
// body's error kind onto the package's sentinel errors.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, extraHeaders map[string]string) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var body apiErrorBody
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &body)
		return nil, mapAPIError(resp.StatusCode, body.Error.Kind, string(raw))
	}

	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return resp, nil
}

func mapAPIError(statusCode int, kind, raw string) error {
	switch kind {
	case "noLongerSupported":
		return ErrNoLongerSupported
	case "rateLimitExceeded":
		return ErrRateLimited
	case "tunnelLimitExceeded":
		return ErrTunnelLimitExceeded
	case "wgKeyRotationRequired":
		return ErrWgKeyRotationRequired
	default:
		return &Error{StatusCode: statusCode, Err: fmt.Errorf("%s", raw)}
	}
}

func (c *HTTPClient) ListRelays(ctx context.Context) ([]apitypes.OneRelay, error) {
	var relays []apitypes.OneRelay
	if _, err := c.do(ctx, http.MethodGet, "/v1/relays", nil, &relays, nil); err != nil {
		return nil, err
	}
	return relays, nil
}

func (c *HTTPClient) ListExits(ctx context.Context, etag string) (config.ConfigCached[apitypes.ExitList], bool, error) {
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-None-Match": etag}
	}

	var exits apitypes.ExitList
	resp, err := c.do(ctx, http.MethodGet, "/v1/exits", nil, &exits, headers)
	if err != nil {
		return config.ConfigCached[apitypes.ExitList]{}, false, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return config.ConfigCached[apitypes.ExitList]{}, false, nil
	}

	return config.ConfigCached[apitypes.ExitList]{
		Value:       exits,
		ETag:        resp.Header.Get("ETag"),
		RetrievedAt: time.Now(),
	}, true, nil
}

func (c *HTTPClient) CreateTunnel(ctx context.Context, req CreateTunnelRequest) (apitypes.TunnelInfo, error) {
	payload := struct {
		ID       uuid.UUID `json:"id"`
		WgPubkey []byte    `json:"wgPubkey"`
		RelayID  string    `json:"relayId"`
		ExitID   string    `json:"exitId"`
	}{ID: req.ID, WgPubkey: req.WgPubkey[:], RelayID: req.RelayID, ExitID: req.ExitID}

	var info apitypes.TunnelInfo
	if _, err := c.do(ctx, http.MethodPost, "/v1/tunnels", payload, &info, nil); err != nil {
		return apitypes.TunnelInfo{}, err
	}
	return info, nil
}

func (c *HTTPClient) ListTunnels(ctx context.Context) ([]apitypes.TunnelInfo, error) {
	var tunnels []apitypes.TunnelInfo
	if _, err := c.do(ctx, http.MethodGet, "/v1/tunnels", nil, &tunnels, nil); err != nil {
		return nil, err
	}
	return tunnels, nil
}

func (c *HTTPClient) DeleteTunnel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/tunnels/"+id, nil, nil, nil)
	return err
}

func (c *HTTPClient) RegisterWireGuardKey(ctx context.Context, pub apitypes.WgPubkey) error {
	payload := struct {
		Pubkey []byte `json:"pubkey"`
	}{Pubkey: pub[:]}
	_, err := c.do(ctx, http.MethodPost, "/v1/wireguard-keys", payload, nil, nil)
	return err
}

func (c *HTTPClient) DeregisterWireGuardKeys(ctx context.Context, pubs []apitypes.WgPubkey) error {
	encoded := make([][]byte, len(pubs))
	for i, pub := range pubs {
		encoded[i] = pub[:]
	}
	payload := struct {
		Pubkeys [][]byte `json:"pubkeys"`
	}{Pubkeys: encoded}
	_, err := c.do(ctx, http.MethodDelete, "/v1/wireguard-keys", payload, nil, nil)
	return err
}

func (c *HTTPClient) GetAccountInfo(ctx context.Context) (apitypes.AccountInfo, error) {
	var info apitypes.AccountInfo
	if _, err := c.do(ctx, http.MethodGet, "/v1/account", nil, &info, nil); err != nil {
		return apitypes.AccountInfo{}, err
	}
	return info, nil
}

var _ Client = (*HTTPClient)(nil)
