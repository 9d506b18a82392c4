package httpmiddleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-faster/errors"
)

const headerForwardedFor = "X-Forwarded-For"

// ClientIPResolver finds the client address of a request. X-Forwarded-For
// is honoured only when the direct peer is a trusted proxy; the chain is
// then walked right to left and the first untrusted hop wins.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses trustedProxies, each a CIDR or a single
// address. With no trusted proxies only RemoteAddr is used.
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, p := range trustedProxies {
		p = strings.TrimSpace(p)
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %q", p)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, errors.Wrapf(err, "trusted proxy %q", p)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return &ClientIPResolver{trusted: prefixes}, nil
}

// ClientIP returns the address of the client that sent r.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !c.isTrusted(remote) {
		return remote
	}

	hops := strings.Split(strings.Join(r.Header.Values(headerForwardedFor), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			// Garbage left of a trusted hop was not written by our proxies.
			return remote
		}
		if !c.isTrusted(hop) {
			return addr.Unmap().String()
		}
	}
	return remote
}

func (c *ClientIPResolver) isTrusted(ip string) bool {
	if len(c.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the host part of RemoteAddr. Forwarding headers are
// ignored since any client can set them.
func ClientIP(r *http.Request) string {
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
