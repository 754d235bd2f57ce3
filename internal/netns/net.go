//go:build linux

package netns

import (
	"fmt"
	stdnet "net"
	"os"
	"syscall"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/execspec"
)

// minOpenFilesForNetworking is the number of extra file descriptors
// bridged networking needs beyond whatever the request's own I/O
// requires: the box's own netlink socket plus loopback/eth0 setup.
// A --max-open-files below this leaves no headroom for those and the
// supervised process would starve on its own syscalls instead.
const minOpenFilesForNetworking = 4

var (
	defaultSubnetCIDR  = "10.77.0.0/24"
	defaultBridgeIP    = "10.77.0.1/24"
	defaultReservedIPs = []stdnet.IP{{10, 77, 0, 1}}
)

// Config describes the networking a single execution needs. The Process
// Supervisor fills in ChildPID and BoxID when the request's enable_network
// flag is set; an empty SubnetCIDR falls back to the default subnet.
type Config struct {
	ChildPID   int
	SubnetCIDR string

	// BoxID is recorded against the allocated address in the IPAM ledger,
	// so a crashed box's lease can be traced back to it.
	BoxID string
}

// ValidateForLimits rejects a network request the supervised process's own
// resource limits can't actually support, instead of letting it fail deep
// inside veth/netlink setup with an opaque ENFILE-style error.
func ValidateForLimits(limits execspec.Limits) error {
	if !limits.EnableNetwork {
		return nil
	}
	if limits.MaxOpenFiles > 0 && limits.MaxOpenFiles < minOpenFilesForNetworking {
		return fmt.Errorf("netns: enable_network requires max_open_files >= %d, got %d", minOpenFilesForNetworking, limits.MaxOpenFiles)
	}
	return nil
}

// Result is the live networking state for one execution, returned so the
// caller can release it on cleanup.
type Result struct {
	IPAM    *IPAllocator
	Cleanup func() error
}

// EnableIPv4Forwarding turns on host-wide IPv4 forwarding, required once
// before any bridge can route a box's traffic out. Must run as root.
func EnableIPv4Forwarding() error {
	const p = "/proc/sys/net/ipv4/ip_forward"
	if err := os.WriteFile(p, []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("enable ipv4 forwarding: %w", err)
	}
	return nil
}

// Setup allocates an IP, builds the veth/bridge pair, and wires NAT for
// cfg.ChildPID's network namespace, for the bridged networking mode.
func Setup(cfg Config) (*Result, error) {
	subnet := cfg.SubnetCIDR
	if subnet == "" {
		subnet = defaultSubnetCIDR
	}

	ipam, err := AllocateIP(IPAMOptions{
		SubnetCIDR: subnet,
		Reserved:   defaultReservedIPs,
		BoxID:      cfg.BoxID,
	})
	if err != nil {
		return nil, err
	}

	cleanup, err := SetupVethNetworking(cfg.ChildPID, VethConfig{
		SubnetCIDR:  subnet,
		BridgeIP:    defaultBridgeIP,
		ContainerIP: ipam.IP(),
		EnableNAT:   true,
	})
	if err != nil {
		_ = ipam.Release()
		return nil, err
	}

	return &Result{
		IPAM: ipam,
		Cleanup: func() error {
			_ = ipam.Release()
			return cleanup()
		},
	}, nil
}

// AssignAddr assigns cidr to link, skipping if already present.
func AssignAddr(link netlink.Link, cidr string) error {
	ip, ipnet, err := stdnet.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	addr := &netlink.Addr{IPNet: &stdnet.IPNet{IP: ip, Mask: ipnet.Mask}}

	addrs, _ := netlink.AddrList(link, unix.AF_INET)
	for _, a := range addrs {
		if a.IPNet.String() == addr.IPNet.String() {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && err != syscall.EEXIST {
		return fmt.Errorf("addr add %s: %w", addr.IPNet, err)
	}
	return nil
}

// DefaultInterface finds the host's default egress interface for NAT.
func DefaultInterface() (string, error) {
	routes, err := netlink.RouteGet(stdnet.ParseIP("8.8.8.8"))
	if err == nil {
		for _, r := range routes {
			if r.LinkIndex != 0 {
				if l, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
					return l.Attrs().Name, nil
				}
			}
		}
	}

	filter := &netlink.Route{Table: unix.RT_TABLE_MAIN}
	all, err2 := netlink.RouteListFiltered(unix.AF_INET, filter, netlink.RT_FILTER_TABLE)
	if err2 != nil {
		return "", fmt.Errorf("route list: %w", err2)
	}
	for _, r := range all {
		if r.Dst == nil && r.LinkIndex != 0 {
			if l, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
				return l.Attrs().Name, nil
			}
		}
	}
	return "", fmt.Errorf("default route interface not found")
}

func configureContainerInterface(childPID int, tempName, finalName, addrCIDR, gwCIDR string) error {
	hostNS, err := netns.Get()
	if err != nil {
		return err
	}
	defer hostNS.Close()

	targetNS, err := netns.GetFromPid(childPID)
	if err != nil {
		return err
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return err
	}
	defer netns.Set(hostNS)

	link, err := waitLinkByName(tempName, 5000*time.Millisecond)
	if err != nil {
		return fmt.Errorf("wait veth %s in ns: %w", tempName, err)
	}

	if finalName != tempName {
		if err := netlink.LinkSetName(link, finalName); err != nil {
			return fmt.Errorf("rename %s->%s: %w", tempName, finalName, err)
		}
		link, err = waitLinkByName(finalName, 5000*time.Millisecond)
		if err != nil {
			return err
		}
	}

	if lo, _ := netlink.LinkByName("lo"); lo != nil {
		_ = netlink.LinkSetUp(lo)
	}

	if err := netlink.LinkSetUp(link); err != nil && err != syscall.EEXIST {
		return fmt.Errorf("link up: %w", err)
	}

	if addrCIDR != "" {
		if err := AssignAddr(link, addrCIDR); err != nil {
			time.Sleep(100 * time.Millisecond)
			if err2 := AssignAddr(link, addrCIDR); err2 != nil {
				return err
			}
		}
	}

	if gwCIDR != "" {
		gwIP, _, err := stdnet.ParseCIDR(gwCIDR)
		if err != nil {
			return fmt.Errorf("parse gw %q: %w", gwCIDR, err)
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Scope:     netlink.SCOPE_UNIVERSE,
			Gw:        gwIP,
			Dst:       &stdnet.IPNet{IP: stdnet.IPv4zero, Mask: stdnet.IPv4Mask(0, 0, 0, 0)},
		}
		if err := netlink.RouteReplace(route); err != nil && err != syscall.EEXIST {
			return fmt.Errorf("default route via %s: %w", gwIP, err)
		}
	}

	return nil
}

// AddForwardingRules allows bridge<->default-interface traffic for iface.
func AddForwardingRules(iface, subnetCIDR string) error {
	ipt, err := iptables.New()
	if err != nil {
		return err
	}
	defaultIf, err := DefaultInterface()
	if err != nil {
		return err
	}

	outRule := []string{"-i", iface, "-o", defaultIf, "-j", "ACCEPT"}
	if err := ensureIptRule(ipt, "filter", "FORWARD", outRule); err != nil {
		return err
	}
	inRule := []string{"-i", defaultIf, "-o", iface, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}
	if err := ensureIptRule(ipt, "filter", "FORWARD", inRule); err != nil {
		return err
	}
	if subnetCIDR != "" {
		localRule := []string{"-i", iface, "-o", iface, "-s", subnetCIDR, "-d", subnetCIDR, "-j", "ACCEPT"}
		_ = ensureIptRule(ipt, "filter", "FORWARD", localRule)
	}
	return nil
}

// AddMasqueradeRule NATs outbound traffic from subnetCIDR through iface.
func AddMasqueradeRule(iface, subnetCIDR string) error {
	if subnetCIDR == "" {
		return nil
	}
	ipt, err := iptables.New()
	if err != nil {
		return err
	}
	return ensureIptRule(ipt, "nat", "POSTROUTING", []string{
		"-s", subnetCIDR, "!", "-o", iface, "-j", "MASQUERADE",
	})
}

func ensureIptRule(ipt *iptables.IPTables, table, chain string, rule []string) error {
	exists, err := ipt.Exists(table, chain, rule...)
	if err != nil {
		return fmt.Errorf("iptables exists %s/%s: %w", table, chain, err)
	}
	if exists {
		return nil
	}
	if err := ipt.Insert(table, chain, 1, rule...); err != nil {
		return fmt.Errorf("iptables insert %s/%s %v: %w", table, chain, rule, err)
	}
	return nil
}

func waitLinkByName(name string, timeout time.Duration) (netlink.Link, error) {
	deadline := time.Now().Add(timeout)
	for {
		if link, err := netlink.LinkByName(name); err == nil {
			return link, nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("link %q not found", name)
}
