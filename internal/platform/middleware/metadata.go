package middleware

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

// MaxForwardedHeaderLength is the maximum allowed length for forwarded-for
// headers, preventing header injection via oversized values.
const MaxForwardedHeaderLength = 500

// UnknownSubject is the sentinel used when no client IP can be derived.
// Deriving a subject never fails; the sentinel shares one rate bucket.
const UnknownSubject = "unknown"

type clientMetadataKey struct{}

type clientMetadata struct {
	ip        string
	userAgent string
}

// MetadataConfig holds configuration for the metadata middleware.
type MetadataConfig struct {
	// TrustedProxies lists IP prefixes trusted to set X-Forwarded-For.
	// If empty, forwarded headers are never trusted.
	TrustedProxies []netip.Prefix
}

// Metadata extracts the client IP address and User-Agent from the request
// and adds them to the context for use by the enforcement pipeline.
func Metadata(cfg MetadataConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := clientMetadata{
				ip:        extractClientIP(r, cfg.TrustedProxies),
				userAgent: r.Header.Get("User-Agent"),
			}
			ctx := context.WithValue(r.Context(), clientMetadataKey{}, meta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientIP retrieves the client IP from the context.
// Returns UnknownSubject if the metadata middleware did not run.
func GetClientIP(ctx context.Context) string {
	if meta, ok := ctx.Value(clientMetadataKey{}).(clientMetadata); ok && meta.ip != "" {
		return meta.ip
	}
	return UnknownSubject
}

// GetUserAgent retrieves the client User-Agent from the context.
func GetUserAgent(ctx context.Context) string {
	if meta, ok := ctx.Value(clientMetadataKey{}).(clientMetadata); ok {
		return meta.userAgent
	}
	return ""
}

// extractClientIP derives the client IP with trusted proxy validation.
// Precedence: first hop of X-Forwarded-For, then X-Real-IP, both only when
// the direct peer is a trusted proxy; otherwise the connection's remote address.
func extractClientIP(r *http.Request, trusted []netip.Prefix) string {
	remoteIP := parseRemoteAddr(r.RemoteAddr)
	if remoteIP == "" {
		return UnknownSubject
	}

	if !isTrustedProxy(remoteIP, trusted) {
		return remoteIP
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" && len(xff) <= MaxForwardedHeaderLength {
		var clientIP string
		if before, _, ok := strings.Cut(xff, ","); ok {
			clientIP = strings.TrimSpace(before)
		} else {
			clientIP = strings.TrimSpace(xff)
		}
		if _, err := netip.ParseAddr(clientIP); err == nil {
			return clientIP
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && len(xri) <= MaxForwardedHeaderLength {
		candidate := strings.TrimSpace(xri)
		if _, err := netip.ParseAddr(candidate); err == nil {
			return candidate
		}
	}

	return remoteIP
}

func isTrustedProxy(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseRemoteAddr extracts the IP from RemoteAddr (strips port).
func parseRemoteAddr(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}

	// IPv6 with brackets: [::1]:port
	if strings.HasPrefix(remoteAddr, "[") {
		if idx := strings.LastIndex(remoteAddr, "]:"); idx != -1 {
			return remoteAddr[1:idx]
		}
		return strings.Trim(strings.Split(remoteAddr, "]:")[0], "[]")
	}

	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}

	return remoteAddr
}
