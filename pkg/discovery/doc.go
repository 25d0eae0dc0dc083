// Package discovery locates Transceivers on the local network via mDNS.
// It browses the "_anura-transceiver._tcp" service type, which a
// Transceiver advertises at its TCP listening port (pkg/transport's
// default port 7645 unless overridden). Only browsing is implemented:
// nodes and Transceivers are never this host's own service, so there is
// nothing for this host to advertise.
package discovery
