package ostun

import (
	"context"
	"sync"

	"github.com/obscuratun/tunnelcore/internal/watch"
)

// Loopback is an in-memory Platform used by this package's tests: it
// records every applied NetworkConfig, lets a test push outgoing packets
// and commands, and captures every injected inbound packet.
type Loopback struct {
	preferred *watch.Value[string]
	outgoing  chan []byte
	commands  chan Command

	mu      sync.Mutex
	inbound [][]byte
	configs []NetworkConfig
}

// NewLoopback creates a ready-to-use Loopback platform.
func NewLoopback() *Loopback {
	return &Loopback{
		preferred: watch.New(""),
		outgoing:  make(chan []byte, 64),
		commands:  make(chan Command, 16),
	}
}

func (l *Loopback) PreferredInterface() *watch.Value[string] { return l.preferred }

func (l *Loopback) OutgoingPackets() <-chan []byte { return l.outgoing }

func (l *Loopback) Commands() <-chan Command { return l.commands }

func (l *Loopback) InjectInboundPacket(packet []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbound = append(l.inbound, packet)
}

func (l *Loopback) ApplyNetworkConfig(ctx context.Context, cfg NetworkConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = append(l.configs, cfg)
	return nil
}

// InboundPackets returns every packet InjectInboundPacket has recorded.
func (l *Loopback) InboundPackets() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.inbound))
	copy(out, l.inbound)
	return out
}

// AppliedConfigs returns every NetworkConfig ApplyNetworkConfig has seen.
func (l *Loopback) AppliedConfigs() []NetworkConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NetworkConfig, len(l.configs))
	copy(out, l.configs)
	return out
}

// SendOutgoing pushes a packet a test pretends the host OS wants sent
// into the tunnel.
func (l *Loopback) SendOutgoing(packet []byte) { l.outgoing <- packet }

// SendCommand pushes a command a test pretends the host issued.
func (l *Loopback) SendCommand(cmd Command) { l.commands <- cmd }
