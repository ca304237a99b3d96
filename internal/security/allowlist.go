package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ParseAllowlist turns exact IPs and CIDRs into networks. A bare IP becomes
// a /32 or /128.
func ParseAllowlist(entries []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("allowlist: %q is not an IP or CIDR", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("allowlist: %q is not an IP or CIDR", e)
		}
		out = append(out, n)
	}
	return out, nil
}

// IPAllowlist refuses callers whose client IP is outside allow with 403. An
// empty list admits everyone.
func IPAllowlist(allow []*net.IPNet, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allow) == 0 {
			c.Next()
			return
		}
		ip := net.ParseIP(c.ClientIP())
		if ip != nil {
			for _, n := range allow {
				if n.Contains(ip) {
					c.Next()
					return
				}
			}
		}
		if logger != nil {
			logger.WarnContext(c.Request.Context(), "callback from unlisted address",
				"client_ip", c.ClientIP(), "path", c.Request.URL.Path)
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller not allowed",
		})
	}
}
