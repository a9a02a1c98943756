// Package forward implements relayd's TCP and UDP forwarding planes.
//
// Each configured listener rule splits into up to two forwarders, one
// per protocol. A forwarder accepts client traffic on its bind
// address, relays it to a single backend target, and optionally
// prefixes the backend stream with a PROXY protocol v2 preamble so
// the backend learns the true client address.
package forward

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"github.com/nettap/relayd/internal/config"
)

// -------------------------------------------------------------------------
// Forwarding Rules
// -------------------------------------------------------------------------

// Rule is one protocol half of a configured listener.
type Rule struct {
	// Bind is the local listen address.
	Bind string

	// ListenPort is the local listen port.
	ListenPort int

	// Protocol is "tcp" or "udp".
	Protocol string

	// EmitPPv2 enables the PROXY protocol v2 preamble toward the
	// backend.
	EmitPPv2 bool

	// Webhook is the trimmed notification URL, or "" when
	// notifications are disabled for this rule.
	Webhook string

	// TargetHost is the backend host, a name or numeric address.
	TargetHost string

	// TargetPort is the backend port for this protocol.
	TargetPort int
}

// TCPRule derives the TCP half of a listener. Valid only when
// l.TCPActive() is true.
func TCPRule(l config.Listener) Rule {
	return Rule{
		Bind:       l.Bind,
		ListenPort: l.TCP,
		Protocol:   "tcp",
		EmitPPv2:   l.HAProxy,
		Webhook:    l.WebhookURL(),
		TargetHost: l.Target.Host,
		TargetPort: l.Target.TCP,
	}
}

// UDPRule derives the UDP half of a listener. Valid only when
// l.UDPActive() is true.
func UDPRule(l config.Listener) Rule {
	return Rule{
		Bind:       l.Bind,
		ListenPort: l.UDP,
		Protocol:   "udp",
		EmitPPv2:   l.HAProxy,
		Webhook:    l.WebhookURL(),
		TargetHost: l.Target.Host,
		TargetPort: l.Target.UDP,
	}
}

// ListenAddr returns the local "host:port" listen address.
func (r Rule) ListenAddr() string {
	return net.JoinHostPort(r.Bind, strconv.Itoa(r.ListenPort))
}

// TargetAddr returns the backend "host:port" address as configured,
// before any name resolution.
func (r Rule) TargetAddr() string {
	return net.JoinHostPort(r.TargetHost, strconv.Itoa(r.TargetPort))
}

// -------------------------------------------------------------------------
// Target Host Resolution
// -------------------------------------------------------------------------

// Resolver turns a backend host into a numeric address for PROXY
// protocol destination fields.
type Resolver interface {
	// ResolveHost returns a numeric address for host. Numeric input
	// passes through untouched. When resolution fails, the raw host
	// string comes back so forwarding proceeds on the configured name.
	ResolveHost(ctx context.Context, host string) string
}

// NetResolver resolves hosts through the system resolver.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver creates a NetResolver. A nil resolver selects
// net.DefaultResolver.
func NewNetResolver(resolver *net.Resolver) *NetResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &NetResolver{resolver: resolver}
}

// ResolveHost resolves host to a numeric address, preferring IPv4.
func (r *NetResolver) ResolveHost(ctx context.Context, host string) string {
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}

	addrs, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return host
	}

	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return addr.Unmap().String()
		}
	}

	return addrs[0].Unmap().String()
}
