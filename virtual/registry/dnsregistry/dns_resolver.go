package dnsregistry

import (
	"fmt"
	"net"
)

type dnsResolver struct{}

// NewDNSResolver returns a new DNSResolver that is backed by the
// standard library implementation of net.LookupIP.
func NewDNSResolver() DNSResolver {
	return &dnsResolver{}
}

func (d *dnsResolver) LookupIP(host string) ([]net.IP, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("error in net.LookupIP: %w", err)
	}
	return ips, nil
}
