// Package inventory enumerates the agent's usable local source
// addresses. The result is what the agent reports on register and on
// every heartbeat, so it must be stable: deduplicated and sorted, with the
// unroutable ranges filtered out. It is advisory only — an address that
// vanishes mid-session surfaces reactively as a BindError on the next
// dispatch bound to it.
package inventory

import (
	"net"
	"net/netip"
	"sort"
)

// Documentation ranges are never usable as egress sources.
var documentationPrefixes = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("2001:db8::/32"),
}

// Scan returns the current set of usable local addresses, sorted and
// deduplicated. Re-runnable; each call reflects the interfaces as they
// are now.
func Scan() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue // interface vanished mid-scan
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if !Usable(ip) {
				continue
			}
			text := ip.String()
			if _, dup := seen[text]; dup {
				continue
			}
			seen[text] = struct{}{}
			out = append(out, text)
		}
	}

	sort.Strings(out)
	return out, nil
}

// Usable reports whether ip can serve as an outbound source address:
// not loopback, link-local, multicast, unspecified, or a documentation
// range.
func Usable(ip netip.Addr) bool {
	if !ip.IsValid() || ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	for _, p := range documentationPrefixes {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}
