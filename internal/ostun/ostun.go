// Package ostun declares the four obligations a host platform must meet
// for internal/manager to drive a tunnel, per spec.md §4.M: broadcast the
// preferred network interface, accept a network config and route traffic
// through it, hand over packet I/O channels, and hand over a command
// channel with per-command response callbacks.
package ostun

import (
	"context"

	"github.com/obscuratun/tunnelcore/internal/watch"
)

// NetworkConfig is what Platform.ApplyNetworkConfig must make true of the
// host's routing table once a tunnel comes up.
type NetworkConfig struct {
	InterfaceName string
	ClientIPv4    string
	ClientIPv6Net string
	DNS           []string
	MTU           uint16
}

// Command is one inbound Manager command from the host, paired with the
// callback the platform expects a response on.
type Command struct {
	Payload []byte
	Respond func(response []byte, err error)
}

// Platform is what internal/manager needs from the host operating
// system. A production binary backs this with Linux (or another OS's)
// implementation; tests use Loopback.
type Platform interface {
	// PreferredInterface is a watchable value naming the interface that
	// should carry tunnel traffic (e.g. "wg-preferred default route"),
	// updated whenever the host's network conditions change.
	PreferredInterface() *watch.Value[string]

	// ApplyNetworkConfig configures the host to route tunnel traffic
	// through cfg.InterfaceName. Blocks until applied or ctx expires.
	ApplyNetworkConfig(ctx context.Context, cfg NetworkConfig) error

	// OutgoingPackets yields user packets the host wants sent into the
	// tunnel.
	OutgoingPackets() <-chan []byte

	// InjectInboundPacket hands a decapsulated tunnel packet to the host
	// for delivery to the local network stack.
	InjectInboundPacket(packet []byte)

	// Commands yields Manager commands the host has issued.
	Commands() <-chan Command
}
