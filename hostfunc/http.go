package hostfunc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/caffeineduck/jshost/promise"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP is the importable "http" module. Requests run on their own
// goroutine and surface in script code as promises:
//
//	import http from "http"
//	http.get("https://api.example.com/items").then(res => res.status)
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

func (h *HTTP) ModuleName() string { return "http" }

func (h *HTTP) ModuleDescription() string {
	return "HTTP requests to allow-listed hosts."
}

// Request performs req in the background.
func (h *HTTP) Request(ctx context.Context, req HTTPRequest) *promise.Completion {
	return promise.Go(ctx, func(ctx context.Context) (any, error) {
		return h.do(ctx, req)
	})
}

// Get is Request with method GET.
func (h *HTTP) Get(ctx context.Context, rawURL string) *promise.Completion {
	return h.Request(ctx, HTTPRequest{Method: http.MethodGet, URL: rawURL})
}

func (h *HTTP) do(ctx context.Context, r HTTPRequest) (HTTPResponse, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return HTTPResponse{}, fmt.Errorf("unsupported method: %s", method)
	}

	if r.URL == "" {
		return HTTPResponse{}, fmt.Errorf("url required")
	}
	if len(r.URL) > h.cfg.MaxURLLength {
		return HTTPResponse{}, fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(r.URL)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return HTTPResponse{}, fmt.Errorf("scheme must be http or https")
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return HTTPResponse{}, fmt.Errorf("http not enabled")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return HTTPResponse{}, fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if r.Body != "" {
		if int64(len(r.Body)) > h.cfg.MaxBodySize {
			return HTTPResponse{}, fmt.Errorf("request body exceeds max size")
		}
		body = strings.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	respHeaders := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: respHeaders,
	}, nil
}

// isHostAllowed matches exact hosts and subdomains. IP addresses compare
// by value and never match through the subdomain rule.
func (h *HTTP) isHostAllowed(host string) bool {
	addr, ipErr := netip.ParseAddr(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ipErr == nil {
			if a, err := netip.ParseAddr(allowed); err == nil && a == addr {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
