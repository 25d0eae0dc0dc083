// Package proxyavss implements the proxy binding of the AVSS channel
// triple: it carries Control Point requests and Program writes as
// Transceiver RPC calls, and Report/Program notifications as RPC
// notifications filtered by node address.
package proxyavss
