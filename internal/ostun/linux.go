package ostun

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/watch"
)

// pollInterval is how often Linux re-derives the preferred outbound
// interface by scanning the host's interfaces, mirroring the teacher's
// Monitor.Start 2s poll of interface flags.
const pollInterval = 2 * time.Second

// Linux implements Platform by shelling out to ip(8), the same way the
// teacher's WireGuardConnector configures interfaces and routes rather
// than using netlink directly.
//
// It is kept here as a worked reference implementation rather than a
// hardened production one: ApplyNetworkConfig only brings the link up and
// adds the IPv4 address and default route; it does not apply cfg.DNS or
// an IPv6 address. See DESIGN.md.
type Linux struct {
	log *zap.Logger

	preferred *watch.Value[string]
	outgoing  chan []byte
	commands  chan Command

	cancel context.CancelFunc
}

// NewLinux starts polling for the preferred interface in the background.
func NewLinux(log *zap.Logger) *Linux {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Linux{
		log:       log,
		preferred: watch.New(""),
		outgoing:  make(chan []byte, 256),
		commands:  make(chan Command, 16),
		cancel:    cancel,
	}
	go l.pollPreferredInterface(ctx)
	return l
}

func (l *Linux) PreferredInterface() *watch.Value[string] { return l.preferred }

func (l *Linux) OutgoingPackets() <-chan []byte { return l.outgoing }

func (l *Linux) InjectInboundPacket(packet []byte) {
	// A real implementation writes packet into the TUN device file
	// descriptor; left as a reference point since device ownership here
	// belongs to internal/wireguard's channel-backed TUN, not this package.
	_ = packet
}

func (l *Linux) Commands() <-chan Command { return l.commands }

// ApplyNetworkConfig assigns the client address to cfg.InterfaceName and
// routes the default route through it, the way the teacher's Connect
// brings an interface up with a sequence of `ip` invocations.
func (l *Linux) ApplyNetworkConfig(ctx context.Context, cfg NetworkConfig) error {
	if err := l.run(ctx, "ip", "link", "set", cfg.InterfaceName, "up", "mtu", fmt.Sprint(cfg.MTU)); err != nil {
		return fmt.Errorf("bringing up %s: %w", cfg.InterfaceName, err)
	}
	if err := l.run(ctx, "ip", "address", "add", cfg.ClientIPv4, "dev", cfg.InterfaceName); err != nil {
		return fmt.Errorf("assigning address on %s: %w", cfg.InterfaceName, err)
	}
	if err := l.run(ctx, "ip", "route", "replace", "default", "dev", cfg.InterfaceName); err != nil {
		return fmt.Errorf("routing default via %s: %w", cfg.InterfaceName, err)
	}
	return nil
}

func (l *Linux) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, resolveCmd(name), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, string(out))
	}
	return nil
}

func resolveCmd(name string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	for _, dir := range []string{"/usr/sbin", "/sbin", "/usr/local/sbin", "/usr/bin", "/usr/local/bin"} {
		candidate := dir + "/" + name
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return name
}

func (l *Linux) pollPreferredInterface(ctx context.Context) {
	l.checkPreferredInterface()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.checkPreferredInterface()
		case <-ctx.Done():
			return
		}
	}
}

// checkPreferredInterface picks the first up, non-loopback interface
// with at least one address as a rough stand-in for "has a default
// route" — determining the real default-route interface needs netlink
// route queries this reference implementation doesn't attempt.
func (l *Linux) checkPreferredInterface() {
	ifaces, err := net.Interfaces()
	if err != nil {
		l.log.Warn("listing network interfaces failed", zap.Error(err))
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		if current, _ := l.preferred.Get(); current != iface.Name {
			l.preferred.Set(iface.Name)
		}
		return
	}
}

// Close stops the background poller.
func (l *Linux) Close() { l.cancel() }
