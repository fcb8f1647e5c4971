// Package dnscache implements the name-to-address fallback cache the API
// client dials through when ordinary DNS resolution of the API host
// fails, grounded on original_source rustlib/src/config/dns_cache.rs. A
// client running on a censored network may have its resolver blocked or
// poisoned long before any IP-level blocking kicks in, so remembering
// the last addresses that worked lets it keep reaching the API by
// address even when the name no longer resolves.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/obscuratun/tunnelcore/internal/config"
)

// Cache reads and updates the config-persisted fallback table. It holds
// no state of its own; config.Handle is the source of truth, so every
// process sharing a config file sees the same cache.
type Cache struct {
	cfg *config.Handle
}

// New wraps cfg's persisted DNSCache field.
func New(cfg *config.Handle) *Cache {
	return &Cache{cfg: cfg}
}

// Get returns the cached fallback addresses for name, skipping any
// entries that fail to parse (a corrupt cache degrades to "no fallback",
// never to an error).
func (c *Cache) Get(name string) []netip.AddrPort {
	raw := c.cfg.Snapshot().DNSCache[name]
	addrs := make([]netip.AddrPort, 0, len(raw))
	for _, s := range raw {
		if ap, err := netip.ParseAddrPort(s); err == nil {
			addrs = append(addrs, ap)
		}
	}
	return addrs
}

// Set replaces the cached fallback addresses for name.
func (c *Cache) Set(name string, addrs []netip.AddrPort) error {
	raw := make([]string, len(addrs))
	for i, ap := range addrs {
		raw[i] = ap.String()
	}
	return c.cfg.Change(func(cfg *config.Config) {
		if cfg.DNSCache == nil {
			cfg.DNSCache = map[string][]string{}
		}
		cfg.DNSCache[name] = raw
	})
}

// DialContext wraps a lower-level dial function (normally
// net.Dialer.DialContext) with the fallback behavior: try the address as
// given first, remembering the resolved IP on success; on failure, walk
// every cached fallback address for the host in turn.
func (c *Cache) DialContext(
	ctx context.Context,
	dial func(ctx context.Context, network, addr string) (net.Conn, error),
	network, addr string,
) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dial(ctx, network, addr)
	}

	conn, dialErr := dial(ctx, network, addr)
	if dialErr == nil {
		if ap, err := resolveOne(ctx, host, port); err == nil {
			_ = c.Set(host, []netip.AddrPort{ap})
		}
		return conn, nil
	}

	lastErr := dialErr
	for _, ap := range c.Get(host) {
		if ap.Port() == 0 {
			// An entry stored without a port (such as the built-in seed)
			// takes the port of the address being dialed.
			if p, err := strconv.ParseUint(port, 10, 16); err == nil {
				ap = netip.AddrPortFrom(ap.Addr(), uint16(p))
			}
		}
		conn, err := dial(ctx, network, ap.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func resolveOne(ctx context.Context, host, port string) (netip.AddrPort, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses resolved for %s", host)
	}
	addr, ok := netip.AddrFromSlice(ips[0].IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid resolved address for %s", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(p)), nil
}
