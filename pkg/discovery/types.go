package discovery

import (
	"strconv"
	"time"
)

const (
	// ServiceType is the mDNS service type a Transceiver advertises.
	ServiceType = "_anura-transceiver._tcp"

	// Domain is the mDNS domain browsed.
	Domain = "local"

	// BrowseTimeout is the browse duration the "transceiver browse" CLI
	// command sets on its context. Browse itself applies no timeout; it
	// runs until its context ends.
	BrowseTimeout = 10 * time.Second
)

// Service describes one discovered Transceiver.
type Service struct {
	// InstanceName is the mDNS service instance name.
	InstanceName string

	// Host is the advertised hostname.
	Host string

	// Port is the Transceiver's TCP RPC port.
	Port uint16

	// Addresses are the resolved IPv4/IPv6 addresses, deduplicated and
	// aggregated across network interfaces.
	Addresses []string
}

// TargetSpec returns the transport target spec (pkg/transport.Create)
// for the first resolved address, or the host name if no address has
// resolved yet.
func (s *Service) TargetSpec() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return "tcp:" + host + ":" + strconv.Itoa(int(s.Port))
}
