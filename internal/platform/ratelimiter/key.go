package ratelimiter

import (
	"net"
	"net/http"
	"strings"
)

// RequestKey buckets requests by the signing device when one is claimed
// and by client address otherwise.
func RequestKey(r *http.Request, deviceKid string) string {
	if kid := strings.TrimSpace(deviceKid); kid != "" {
		return "kid:" + kid
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
