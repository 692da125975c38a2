package middleware

import (
	"net"
	"net/http"
	"strings"
)

// HSTS enforces HTTPS for a year, subdomains included.
func HSTS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// SecureCookies adds Secure, HttpOnly and SameSite to every Set-Cookie the
// wrapped handler emits.
func SecureCookies(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&secureCookieWriter{ResponseWriter: w}, r)
	})
}

type secureCookieWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *secureCookieWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *secureCookieWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.ResponseWriter.Header()
	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		h.Del("Set-Cookie")
		for _, c := range cookies {
			h.Add("Set-Cookie", ensureSecureCookie(c))
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func ensureSecureCookie(cookie string) string {
	parts := strings.Split(cookie, ";")
	var hasSecure, hasHTTPOnly, hasSameSite bool

	for i, p := range parts {
		p = strings.TrimSpace(p)
		lower := strings.ToLower(p)
		switch {
		case lower == "secure":
			hasSecure = true
		case lower == "httponly":
			hasHTTPOnly = true
		case strings.HasPrefix(lower, "samesite"):
			hasSameSite = true
		}
		parts[i] = p
	}

	if !hasSecure {
		parts = append(parts, "Secure")
	}
	if !hasHTTPOnly {
		parts = append(parts, "HttpOnly")
	}
	if !hasSameSite {
		// Lax so the provider redirect back to the callback still carries the cookie.
		parts = append(parts, "SameSite=Lax")
	}
	return strings.Join(parts, "; ")
}

// RequireHTTPS redirects plain HTTP to HTTPS. Only hosts on the allow-list
// are redirected, which keeps a forged Host header from steering the redirect.
// Use it only when the process terminates TLS itself.
func RequireHTTPS(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			isHTTPS := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
			if isHTTPS {
				next.ServeHTTP(w, r)
				return
			}
			if !IsHostAllowed(r.Host, allowedHosts) {
				http.Error(w, "Host not allowed", http.StatusBadRequest)
				return
			}
			http.Redirect(w, r, "https://"+redirectHost(r.Host)+r.RequestURI, http.StatusMovedPermanently)
		})
	}
}

// IsHostAllowed validates host against allowedHosts. Ports are ignored when
// either side omits one, and IPv6 brackets are optional. An empty list allows
// every host.
func IsHostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}

	host = strings.ToLower(strings.TrimSpace(host))
	hostOnly := stripPort(host)

	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if host == allowed || hostOnly == stripPort(allowed) {
			return true
		}
	}
	return false
}

// redirectHost drops the plain-HTTP port so the redirect lands on 443.
func redirectHost(host string) string {
	h := stripPort(host)
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}
