//go:build linux

package netns

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
)

const (
	defaultBridgeName  = "rbx0"
	defaultContainerIf = "eth0"
	defaultMTU         = 1500

	vethHostPrefix = "vrbx"
)

// VethConfig describes the bridged interface to build for one box.
type VethConfig struct {
	BridgeName  string
	SubnetCIDR  string
	BridgeIP    string
	ContainerIP string
	ContainerIf string
	MTU         int
	EnableNAT   bool
}

// SetupVethNetworking creates (or reuses) a bridge, a veth pair, moves the
// peer into childPID's network namespace, configures it, and wires NAT.
// Must run with CAP_NET_ADMIN on the host side.
func SetupVethNetworking(childPID int, cfg VethConfig) (func() error, error) {
	if cfg.BridgeName == "" {
		cfg.BridgeName = defaultBridgeName
	}
	if cfg.ContainerIf == "" {
		cfg.ContainerIf = defaultContainerIf
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}

	bridge, err := CreateBridge(cfg.BridgeName, cfg.BridgeIP, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}

	hostIf, contIfTemp, err := CreateVethPair(bridge, cfg, childPID)
	if err != nil {
		return nil, fmt.Errorf("veth setup: %w", err)
	}

	if err := configureContainerInterface(childPID, contIfTemp, cfg.ContainerIf, cfg.ContainerIP, cfg.BridgeIP); err != nil {
		return nil, fmt.Errorf("configure container iface: %w", err)
	}

	if err := netlink.LinkSetUp(hostIf); err != nil {
		return nil, fmt.Errorf("host veth up: %w", err)
	}

	if cfg.EnableNAT {
		if err := EnableIPv4Forwarding(); err != nil {
			return nil, err
		}
		if err := AddForwardingRules(cfg.BridgeName, cfg.SubnetCIDR); err != nil {
			return nil, err
		}
		if err := AddMasqueradeRule(cfg.BridgeName, cfg.SubnetCIDR); err != nil {
			return nil, err
		}
	}

	cleanup := func() error {
		if err := netlink.LinkDel(hostIf); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete host veth: %w", err)
		}
		return nil
	}

	return cleanup, nil
}

// CreateBridge creates (or reuses) a Linux bridge with the given name/CIDR.
func CreateBridge(name, cidr string, mtu int) (netlink.Link, error) {
	if l, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkSetUp(l); err != nil {
			return nil, err
		}
		if cidr != "" {
			if err := AssignAddr(l, cidr); err != nil {
				return nil, err
			}
		}
		return l, nil
	}

	bridge := &netlink.Bridge{
		LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu},
	}
	if err := netlink.LinkAdd(bridge); err != nil && !os.IsExist(err) {
		return nil, err
	}
	if err := netlink.LinkSetUp(bridge); err != nil {
		return nil, err
	}
	if cidr != "" {
		if err := AssignAddr(bridge, cidr); err != nil {
			return nil, err
		}
	}
	return bridge, nil
}

// CreateVethPair creates a veth pair, attaches the host side to bridge,
// and moves the peer into childPID's netns.
func CreateVethPair(bridge netlink.Link, cfg VethConfig, childPID int) (netlink.Link, string, error) {
	hostName := fmt.Sprintf("vrbx%d", childPID)
	peerName := fmt.Sprintf("c%s", hostName)

	v := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{
			Name:        hostName,
			MTU:         cfg.MTU,
			MasterIndex: bridge.Attrs().Index,
		},
		PeerName: peerName,
	}

	if err := netlink.LinkAdd(v); err != nil && err != syscall.EEXIST {
		return nil, "", err
	}

	hostIf, err := netlink.LinkByName(hostName)
	if err != nil {
		return nil, "", err
	}
	peerIf, err := netlink.LinkByName(peerName)
	if err != nil {
		return nil, "", err
	}

	if hostIf.Attrs().MasterIndex != bridge.Attrs().Index {
		if err := netlink.LinkSetMaster(hostIf, bridge); err != nil && err != syscall.EEXIST {
			return nil, "", fmt.Errorf("attach host veth to bridge: %w", err)
		}
	}
	if err := netlink.LinkSetUp(hostIf); err != nil && err != syscall.EEXIST {
		return nil, "", err
	}
	if err := netlink.LinkSetNsPid(peerIf, childPID); err != nil {
		return nil, "", err
	}

	return hostIf, peerName, nil
}

// PruneOrphanedVeths deletes host-side veth interfaces left behind by a
// supervisor that crashed before its own Cleanup ran — the networking
// counterpart to registry.Sweep's self-healing path (§4.6, §8 scenario 6).
// Interfaces are matched by the "vrbx<pid>" naming CreateVethPair uses;
// a link is pruned only when /proc/<pid> no longer exists, so a live
// box's interface is never touched.
func PruneOrphanedVeths() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netns: list links: %w", err)
	}

	var pruned []string
	for _, l := range links {
		name := l.Attrs().Name
		if !strings.HasPrefix(name, vethHostPrefix) {
			continue
		}
		pidStr := strings.TrimPrefix(name, vethHostPrefix)
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if processAlive(pid) {
			continue
		}
		if err := netlink.LinkDel(l); err != nil && !os.IsNotExist(err) {
			return pruned, fmt.Errorf("netns: prune veth %s: %w", name, err)
		}
		pruned = append(pruned, name)
	}
	return pruned, nil
}

func processAlive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}
