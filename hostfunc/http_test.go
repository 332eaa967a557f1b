package hostfunc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(t *testing.T, h *HTTP, url string) (HTTPResponse, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Get(ctx, url).Wait(ctx)
	if err != nil {
		return HTTPResponse{}, err
	}
	return v.(HTTPResponse), nil
}

func TestHTTPGetBlockedWhenNoHosts(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: nil})
	_, err := get(t, h, "https://example.com")
	if err == nil || err.Error() != "http not enabled" {
		t.Errorf("expected 'http not enabled', got %v", err)
	}
}

func TestHTTPGetBlockedForUnallowedHost(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := get(t, h, "https://evil.com")
	if err == nil || err.Error() != "host not allowed: evil.com" {
		t.Errorf("expected 'host not allowed', got %v", err)
	}
}

func TestHTTPGetBypassQueryParam(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := get(t, h, "https://evil.com/?x=allowed.com")
	if err == nil || err.Error() != "host not allowed: evil.com" {
		t.Errorf("query param bypass should be blocked, got %v", err)
	}
}

func TestHTTPGetBypassSubdomainSuffix(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := get(t, h, "https://allowed.com.evil.com/")
	if err == nil || err.Error() != "host not allowed: allowed.com.evil.com" {
		t.Errorf("subdomain suffix bypass should be blocked, got %v", err)
	}
}

func TestHTTPGetAllowsExactHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	resp, err := get(t, h, server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("expected status 200, got %v", resp.Status)
	}
	if resp.Body != `{"ok": true}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if resp.Headers["X-Test"] != "yes" {
		t.Errorf("expected X-Test header, got %v", resp.Headers)
	}
}

func TestHTTPRequestPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Content-Type") != "text/plain" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	ctx := context.Background()
	v, err := h.Request(ctx, HTTPRequest{
		Method:  "post",
		URL:     server.URL,
		Body:    "hello",
		Headers: map[string]string{"Content-Type": "text/plain"},
	}).Wait(ctx)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if status := v.(HTTPResponse).Status; status != http.StatusCreated {
		t.Errorf("expected 201, got %d", status)
	}
}

func TestHTTPUnsupportedMethod(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	ctx := context.Background()
	_, err := h.Request(ctx, HTTPRequest{Method: "TRACE", URL: "https://example.com"}).Wait(ctx)
	if err == nil || err.Error() != "unsupported method: TRACE" {
		t.Errorf("expected unsupported method, got %v", err)
	}
}

func TestHTTPGetMissingURL(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	_, err := get(t, h, "")
	if err == nil || err.Error() != "url required" {
		t.Errorf("expected 'url required', got %v", err)
	}
}

func TestHTTPGetInvalidURL(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	_, err := get(t, h, "://invalid")
	if err == nil || err.Error() != "invalid url" {
		t.Errorf("expected 'invalid url', got %v", err)
	}
}

// Security tests

func TestHTTPGetURLTooLong(t *testing.T) {
	h := NewHTTP(HTTPConfig{
		AllowedHosts: []string{"example.com"},
		MaxURLLength: 100,
	})

	longURL := "https://example.com/" + string(make([]byte, 200))
	_, err := get(t, h, longURL)
	if err == nil {
		t.Fatal("expected long URL to be rejected")
	}
	if err.Error() != "url exceeds max length" {
		t.Errorf("expected 'url exceeds max length' error, got %v", err)
	}
}

func TestHTTPGetDefaultMaxURLLength(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})

	longURL := "https://example.com/" + string(make([]byte, 10*1024))
	_, err := get(t, h, longURL)
	if err == nil {
		t.Fatal("expected long URL to be rejected by default")
	}
	if err.Error() != "url exceeds max length" {
		t.Errorf("expected 'url exceeds max length' error, got %v", err)
	}
}

func TestHTTPIPv6Normalization(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"::1"}})

	tests := []struct {
		host    string
		allowed bool
	}{
		{"::1", true},
		{"0:0:0:0:0:0:0:1", true}, // expanded form
		{"::2", false},
		{"example.com", false}, // domain shouldn't match IP
	}

	for _, tc := range tests {
		got := h.isHostAllowed(tc.host)
		if got != tc.allowed {
			t.Errorf("isHostAllowed(%q) = %v, want %v", tc.host, got, tc.allowed)
		}
	}
}

func TestHTTPIPNoSubdomainBypass(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})

	// IP addresses should not match domain allowlists via subdomain logic
	tests := []string{
		"::1",
		"127.0.0.1",
		"192.168.1.1",
		"2001:db8::1",
	}

	for _, host := range tests {
		if h.isHostAllowed(host) {
			t.Errorf("IP %q should not match domain allowlist", host)
		}
	}
}

func TestHTTPAllowsSubdomain(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	if !h.isHostAllowed("api.example.com") {
		t.Error("subdomain should be allowed")
	}
}
