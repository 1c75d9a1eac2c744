package tarpit

import (
	"net"
	"net/http"
	"strings"
)

const loopback = "127.0.0.1"

// ClientIP resolves the caller's address: X-Real-IP, then the first
// X-Forwarded-For entry, then the transport peer, then loopback. Header
// values that are not IP addresses are skipped.
func ClientIP(r *http.Request) string {
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := parseIP(host); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return loopback
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
