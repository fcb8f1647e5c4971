// Package apiclient declares the HTTP API surface internal/connector and
// internal/manager consume. The tunnel core never talks to the API
// directly — it only depends on this interface, grounded in
// original_source rustlib/src/client_state.rs's api_request call sites
// (ListRelays, ListExits, CreateTunnel, ListTunnels, DeleteTunnel, and
// WireGuard key registration).
package apiclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
)

// CreateTunnelRequest asks the API to allocate an obfuscated tunnel
// bound to a specific relay and exit for the given client public key.
type CreateTunnelRequest struct {
	ID       uuid.UUID
	WgPubkey apitypes.WgPubkey
	RelayID  string
	ExitID   string
}

// Client is the API surface the core needs. A production implementation
// wraps an HTTP client and an account's bearer token; tests substitute a
// fake.
type Client interface {
	ListRelays(ctx context.Context) ([]apitypes.OneRelay, error)
	ListExits(ctx context.Context, etag string) (config.ConfigCached[apitypes.ExitList], bool, error)
	CreateTunnel(ctx context.Context, req CreateTunnelRequest) (apitypes.TunnelInfo, error)
	ListTunnels(ctx context.Context) ([]apitypes.TunnelInfo, error)
	DeleteTunnel(ctx context.Context, id string) error
	RegisterWireGuardKey(ctx context.Context, pub apitypes.WgPubkey) error
	DeregisterWireGuardKeys(ctx context.Context, pubs []apitypes.WgPubkey) error
	GetAccountInfo(ctx context.Context) (apitypes.AccountInfo, error)
}

// ErrTunnelLimitExceeded means the account has no free tunnel slots.
// internal/connector's create-tunnel loop reacts by deleting an idle
// tunnel and retrying.
var ErrTunnelLimitExceeded = errors.New("tunnel limit exceeded")

// ErrWgKeyRotationRequired means the server has stopped recognizing the
// client's current WireGuard key and a fresh key pair must be generated
// before retrying.
var ErrWgKeyRotationRequired = errors.New("wireguard key rotation required")

// ErrRateLimited means the caller should back off before retrying.
var ErrRateLimited = errors.New("api rate limit exceeded")

// ErrNoLongerSupported means the server has rejected this client version
// outright; no retry will help.
var ErrNoLongerSupported = errors.New("client no longer supported by server")

// Error wraps a generic API failure with the HTTP status for logging.
type Error struct {
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error (status %d): %v", e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
