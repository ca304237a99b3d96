package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateOutboundURL checks a URL the service will call, such as the
// payment gateway. It must be http(s) with a host, and neither the literal
// host nor any address it resolves to may be loopback, private, link-local
// or unspecified. requireTLS additionally rejects plain http.
func ValidateOutboundURL(rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q", rawURL)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !requireTLS:
	case u.Scheme == "http":
		return fmt.Errorf("URL %q must use https", rawURL)
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasPrefix(strings.ToLower(host), "metadata.") {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return blockedIP(ip)
	}
	addrs, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := blockedIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

var lookupHost = net.LookupHost

func blockedIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s", ip)
	}
	return nil
}
