//go:build linux

// Package netns implements the optional bridged networking mode (§4
// "enable_network=true" with bridge mode): a veth pair into a Linux
// bridge, NAT via iptables, and a persistent IP allocation ledger so
// concurrent boxes never collide on an address.
//
// Adapted from the teacher's net package (net.go, ipam.go, veth.go).
package netns

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	bolt "go.etcd.io/bbolt"
)

const defaultIPAMPath = "/var/run/rustbox/ipam.db"

// Lease is the ledger value stored against each allocated address: which
// box holds it and since when, so a crashed box's address can be traced
// back to it during §4.6's startup sweep instead of just "allocated".
type Lease struct {
	BoxID       string    `json:"box_id,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// IPAMOptions configures the IP allocator.
type IPAMOptions struct {
	SubnetCIDR string
	DBPath     string
	Reserved   []net.IP

	// BoxID identifies the box this address is leased to, recorded in the
	// ledger for diagnostics (Leases, LeaseOwner). Optional.
	BoxID string
}

// IPAllocator represents a single allocated IP within a subnet, reserved
// in a bbolt-backed ledger until Release is called.
type IPAllocator struct {
	dbPath   string
	bucket   []byte
	subnet   *net.IPNet
	prefix   int
	ip       net.IP
	reserved map[string]struct{}
	lease    Lease
}

// AllocateIP reserves the next free address in opts.SubnetCIDR.
func AllocateIP(opts IPAMOptions) (*IPAllocator, error) {
	if opts.SubnetCIDR == "" {
		return nil, fmt.Errorf("netns: SubnetCIDR must be provided")
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultIPAMPath
	}

	_, ipNet, err := net.ParseCIDR(opts.SubnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("netns: invalid subnet CIDR: %w", err)
	}
	if ipNet.IP.To4() == nil {
		return nil, fmt.Errorf("netns: only IPv4 subnets supported")
	}
	prefixLen, _ := ipNet.Mask.Size()

	first, last := cidr.AddressRange(ipNet)
	reserved := map[string]struct{}{
		first.String(): {},
		last.String():  {},
	}
	for _, r := range opts.Reserved {
		if r4 := r.To4(); r4 != nil {
			reserved[r4.String()] = struct{}{}
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("netns: ipam mkdir: %w", err)
	}

	lease := Lease{BoxID: opts.BoxID, AllocatedAt: time.Now()}
	leaseBytes, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("netns: marshal lease: %w", err)
	}

	var picked net.IP
	if err := withDB(dbPath, func(db *bolt.DB) error {
		bucket := []byte(opts.SubnetCIDR)
		return db.Update(func(tx *bolt.Tx) error {
			bkt, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
			for cur := cidr.Inc(first); bytes.Compare(cur, last) < 0; cur = cidr.Inc(cur) {
				s := cur.String()
				if _, skip := reserved[s]; skip {
					continue
				}
				if v := bkt.Get([]byte(s)); v != nil {
					continue
				}
				if err := bkt.Put([]byte(s), leaseBytes); err != nil {
					return fmt.Errorf("reserve %s: %w", s, err)
				}
				picked = append(net.IP(nil), cur...)
				return nil
			}
			return fmt.Errorf("no free IPs in %s", opts.SubnetCIDR)
		})
	}); err != nil {
		return nil, fmt.Errorf("netns: ipam open db: %w", err)
	}

	return &IPAllocator{
		dbPath:   dbPath,
		bucket:   []byte(opts.SubnetCIDR),
		subnet:   ipNet,
		prefix:   prefixLen,
		ip:       picked,
		reserved: reserved,
		lease:    lease,
	}, nil
}

// IP returns the allocated address in CIDR notation.
func (a *IPAllocator) IP() string {
	return fmt.Sprintf("%s/%d", a.ip.String(), a.prefix)
}

// Lease returns the ledger record backing this allocation.
func (a *IPAllocator) Lease() Lease {
	return a.lease
}

// LeaseOwner looks up which box (if any) currently holds ip within
// subnetCIDR's ledger at dbPath, for crash-recovery diagnostics.
func LeaseOwner(dbPath, subnetCIDR, ip string) (Lease, bool, error) {
	var lease Lease
	var found bool
	err := withDB(dbPath, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(subnetCIDR))
			if bkt == nil {
				return nil
			}
			v := bkt.Get([]byte(ip))
			if v == nil {
				return nil
			}
			found = true
			return json.Unmarshal(v, &lease)
		})
	})
	return lease, found, err
}

// Leases lists every currently-allocated address in subnetCIDR's ledger at
// dbPath, keyed by IP, for diagnostics and crash-recovery sweeps.
func Leases(dbPath, subnetCIDR string) (map[string]Lease, error) {
	out := make(map[string]Lease)
	err := withDB(dbPath, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(subnetCIDR))
			if bkt == nil {
				return nil
			}
			return bkt.ForEach(func(k, v []byte) error {
				var lease Lease
				if err := json.Unmarshal(v, &lease); err != nil {
					return fmt.Errorf("decode lease for %s: %w", k, err)
				}
				out[string(k)] = lease
				return nil
			})
		})
	})
	return out, err
}

// Release frees the allocated address. Safe to call more than once.
func (a *IPAllocator) Release() error {
	return withDB(a.dbPath, func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(a.bucket)
			if bkt == nil {
				return nil
			}
			return bkt.Delete([]byte(a.ip.String()))
		})
	})
}

func withDB(path string, f func(*bolt.DB) error) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return f(db)
}
