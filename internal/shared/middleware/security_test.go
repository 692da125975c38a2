package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsHostAllowed(t *testing.T) {
	allowed := []string{"api.jaspire.test", "[::1]:8443", "10.0.0.5"}

	tests := []struct {
		name string
		host string
		want bool
	}{
		{"exact host", "api.jaspire.test", true},
		{"host with port", "api.jaspire.test:8080", true},
		{"mixed case and padding", "  API.Jaspire.TEST:443 ", true},
		{"IPv6 with brackets and port", "[::1]:8443", true},
		{"IPv6 on another port", "[::1]:80", true},
		{"IPv6 without brackets", "::1", true},
		{"IPv6 brackets without port", "[::1]", true},
		{"IPv4 with port", "10.0.0.5:80", true},
		{"other IPv6 address", "[::2]:8443", false},
		{"subdomain of allowed host", "evil.api.jaspire.test", false},
		{"suffix lookalike", "api.jaspire.test.evil.com", false},
		{"empty host", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHostAllowed(tt.host, allowed); got != tt.want {
				t.Errorf("IsHostAllowed(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestIsHostAllowed_EmptyListAllowsAll(t *testing.T) {
	if !IsHostAllowed("anything.example", nil) {
		t.Error("an empty allow-list should accept every host")
	}
}

func TestRequireHTTPS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := RequireHTTPS([]string{"api.jaspire.test", "::1"})(next)

	tests := []struct {
		name         string
		host         string
		path         string
		forwarded    string
		tls          bool
		wantStatus   int
		wantLocation string
	}{
		{
			name:         "redirects allowed host",
			host:         "api.jaspire.test",
			path:         "/accounts?userId=u1",
			wantStatus:   http.StatusMovedPermanently,
			wantLocation: "https://api.jaspire.test/accounts?userId=u1",
		},
		{
			name:         "drops the plain-HTTP port",
			host:         "api.jaspire.test:80",
			path:         "/health",
			wantStatus:   http.StatusMovedPermanently,
			wantLocation: "https://api.jaspire.test/health",
		},
		{
			name:         "keeps IPv6 brackets",
			host:         "[::1]:80",
			path:         "/health",
			wantStatus:   http.StatusMovedPermanently,
			wantLocation: "https://[::1]/health",
		},
		{
			name:       "rejects unknown host",
			host:       "evil.example",
			path:       "/health",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "passes TLS requests through",
			host:       "evil.example",
			path:       "/health",
			tls:        true,
			wantStatus: http.StatusTeapot,
		},
		{
			name:       "trusts X-Forwarded-Proto",
			host:       "api.jaspire.test",
			path:       "/health",
			forwarded:  "https",
			wantStatus: http.StatusTeapot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Host = tt.host
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tt.forwarded)
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestSecureCookies(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		want   []string
		reject []string
	}{
		{
			name:   "adds every attribute with Lax",
			cookie: "access_token=abc; Path=/",
			want:   []string{"Secure", "HttpOnly", "SameSite=Lax"},
		},
		{
			name:   "keeps an explicit SameSite",
			cookie: "access_token=abc; SameSite=Strict",
			want:   []string{"SameSite=Strict", "Secure", "HttpOnly"},
			reject: []string{"SameSite=Lax"},
		},
		{
			name:   "does not repeat existing flags",
			cookie: "access_token=abc; secure; HTTPOnly",
			want:   []string{"SameSite=Lax"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := SecureCookies(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Add("Set-Cookie", tt.cookie)
				w.Write([]byte("ok"))
			}))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

			got := rr.Header().Get("Set-Cookie")
			for _, attr := range tt.want {
				if !strings.Contains(got, attr) {
					t.Errorf("Set-Cookie %q is missing %q", got, attr)
				}
			}
			for _, attr := range tt.reject {
				if strings.Contains(got, attr) {
					t.Errorf("Set-Cookie %q should not contain %q", got, attr)
				}
			}
			lower := strings.ToLower(got)
			if strings.Count(lower, "secure") != 1 || strings.Count(lower, "httponly") != 1 {
				t.Errorf("Set-Cookie %q repeats a flag", got)
			}
		})
	}
}

func TestHSTS(t *testing.T) {
	handler := HSTS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rr.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("Strict-Transport-Security = %q", got)
	}
}
