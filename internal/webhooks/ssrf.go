package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedURL reports a webhook URL rejected by the SSRF guard.
var ErrBlockedURL = errors.New("webhooks: blocked url")

// blockedPrefixes covers loopback, RFC1918, link-local (including the cloud
// metadata endpoint at 169.254.169.254), carrier-grade NAT, IPv6 unique-local
// and multicast. A webhook target resolving into any of these is refused.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

var blockedSuffixes = []string{".local", ".localhost", ".internal"}

// lookupFunc resolves a hostname to addresses; replaced in tests.
type lookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// validateURL enforces the SSRF policy: http/https only, no private or
// special-purpose destinations, neither by name nor after DNS resolution.
func validateURL(ctx context.Context, raw string, lookup lookupFunc) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBlockedURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: %q has no host", ErrBlockedURL, raw)
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" {
		return fmt.Errorf("%w: %q", ErrBlockedURL, host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("%w: %q", ErrBlockedURL, host)
		}
	}

	// IP literals are judged directly; hostnames are resolved so a DNS record
	// pointing back into the private space is caught at subscribe time.
	if addr, err := netip.ParseAddr(lower); err == nil {
		return checkAddr(addr)
	}
	addrs, err := lookup(ctx, lower)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrBlockedURL, host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if addr.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrBlockedURL, addr)
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedURL, addr)
		}
	}
	return nil
}
