package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's address for allowlist checks and audit
// logs: first X-Forwarded-For entry, then X-Real-IP, then the peer.
// Trust in these headers is the deployment's problem; the gateway sits
// behind its own load balancer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
