// Package scanner produces the ordered list of addresses a slave tries when
// looking for its master.
package scanner

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/multierr"
)

// Source yields candidate master addresses. An entry is either a bare host, to
// which the slave appends its initialize port, or a host:port.
type Source interface {
	Candidates(ctx context.Context) ([]string, error)
}

// Static always returns the same list.
type Static []string

func (s Static) Candidates(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Masters is implemented by the cluster directory.
type Masters interface {
	Masters(ctx context.Context) ([]string, error)
}

// Directory reads advertised masters.
type Directory struct {
	Dir Masters
}

func (d Directory) Candidates(ctx context.Context) ([]string, error) {
	return d.Dir.Masters(ctx)
}

// Chain concatenates sources in order and drops duplicates. Failing sources are
// skipped; an error is returned only when every source failed.
type Chain []Source

func (c Chain) Candidates(ctx context.Context) ([]string, error) {
	var (
		out    []string
		errs   error
		failed int
	)
	for _, src := range c {
		addrs, err := src.Candidates(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			failed++
			continue
		}
		out = append(out, addrs...)
	}
	if failed > 0 && failed == len(c) {
		return nil, errs
	}
	return slice.Unique(out), nil
}

// Subnet enumerates the hosts of every local IPv4 network, loopback first.
// Networks wider than /24 are narrowed to the /24 around the local address.
type Subnet struct {
	// Interfaces lists local interfaces; nil means net.Interfaces.
	Interfaces func() ([]Interface, error)
}

// Interface is the part of a network interface the scanner needs.
type Interface struct {
	Up       bool
	Loopback bool
	Addrs    []net.Addr
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, Interface{
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			Addrs:    addrs,
		})
	}
	return out, nil
}

func (s Subnet) Candidates(ctx context.Context) ([]string, error) {
	list := s.Interfaces
	if list == nil {
		list = systemInterfaces
	}
	ifaces, err := list()
	if err != nil {
		return nil, err
	}

	out := []string{"127.0.0.1"}
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, addr := range iface.Addrs {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			out = append(out, Hosts(ipnet)...)
		}
	}
	return slice.Unique(out), nil
}

// Hosts lists the usable addresses of an IPv4 network, capped at a /24.
func Hosts(ipnet *net.IPNet) []string {
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil
	}

	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil
	}
	if ones < 24 {
		ones = 24
	}
	if ones >= 31 {
		return []string{ip4.String()}
	}

	mask := net.CIDRMask(ones, 32)
	network := binary.BigEndian.Uint32(ip4.Mask(mask))
	size := uint32(1) << (32 - ones)

	hosts := make([]string, 0, size-2)
	for i := uint32(1); i < size-1; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], network+i)
		hosts = append(hosts, net.IP(b[:]).String())
	}
	return hosts
}
