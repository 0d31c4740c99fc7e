package dnssd

import (
	"bufio"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
)

const (
	// DefaultResolvConf is where the platform resolver configuration lives.
	DefaultResolvConf = "/etc/resolv.conf"

	// overlayResolver is the in-tunnel resolver used by Tailscale-style
	// overlays on the CGNAT range.
	overlayResolver = "100.100.100.100"
)

var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// Network is a candidate network whose nameservers can answer queries.
type Network struct {
	Name        string
	VPN         bool
	Nameservers []string
}

// Interface is the subset of interface data used for VPN detection.
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Prefix
}

// InterfaceLister enumerates local interfaces.
type InterfaceLister func() ([]Interface, error)

// SystemInterfaces lists interfaces through the net package.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{Name: ifi.Name, Up: ifi.Flags&net.FlagUp != 0}
		for _, a := range addrs {
			if p, err := netip.ParsePrefix(a.String()); err == nil {
				entry.Addrs = append(entry.Addrs, p)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ParseResolvConf returns the nameserver entries of a resolv.conf stream.
func ParseResolvConf(r io.Reader) []string {
	var servers []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		if _, err := netip.ParseAddr(fields[1]); err != nil {
			continue
		}
		servers = append(servers, WithDefaultPort(fields[1]))
	}
	return servers
}

// LoadResolvConf reads nameservers from path. A missing file yields none.
func LoadResolvConf(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	return ParseResolvConf(f)
}

// isVPNInterface reports overlay/VPN interfaces by name or by carrying a
// CGNAT-range address.
func isVPNInterface(ifi Interface) bool {
	name := strings.ToLower(ifi.Name)
	for _, prefix := range []string{"tailscale", "utun", "wg", "tun", "zt"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return hasCGNAT(ifi)
}

func hasCGNAT(ifi Interface) bool {
	for _, p := range ifi.Addrs {
		if cgnatPrefix.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

// NetworkOptions feeds DetectNetworks.
type NetworkOptions struct {
	// SystemNameservers are the platform resolver's nameservers.
	SystemNameservers []string
	// ExtraNameservers are operator-configured nameservers.
	ExtraNameservers []string
	Interfaces       InterfaceLister
}

// DetectNetworks builds the candidate network list: VPN/overlay networks first,
// then the default network, then operator-configured nameservers.
func DetectNetworks(opts NetworkOptions) []Network {
	var nets []Network

	if opts.Interfaces != nil {
		if ifaces, err := opts.Interfaces(); err == nil {
			for _, ifi := range ifaces {
				if !ifi.Up || !isVPNInterface(ifi) {
					continue
				}
				n := Network{Name: ifi.Name, VPN: true}
				if hasCGNAT(ifi) {
					n.Nameservers = []string{WithDefaultPort(overlayResolver)}
				}
				nets = append(nets, n)
			}
		}
	}

	if len(opts.SystemNameservers) > 0 {
		nets = append(nets, Network{Name: "default", Nameservers: normalizeServers(opts.SystemNameservers)})
	}
	if len(opts.ExtraNameservers) > 0 {
		nets = append(nets, Network{Name: "configured", Nameservers: normalizeServers(opts.ExtraNameservers)})
	}
	return nets
}

// ActiveNetwork selects the network the system path should use. A VPN network
// with usable nameservers wins when preferVPN is set; otherwise the default
// network does.
func ActiveNetwork(nets []Network, preferVPN bool) (Network, bool) {
	if preferVPN {
		for _, n := range nets {
			if n.VPN && len(n.Nameservers) > 0 {
				return n, true
			}
		}
	}
	for _, n := range nets {
		if n.Name == "default" {
			return n, true
		}
	}
	for _, n := range nets {
		if len(n.Nameservers) > 0 {
			return n, true
		}
	}
	return Network{}, false
}

// Nameservers flattens and deduplicates the nameservers of nets in order.
func Nameservers(nets []Network) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range nets {
		for _, s := range n.Nameservers {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func normalizeServers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, WithDefaultPort(s))
		}
	}
	return out
}
