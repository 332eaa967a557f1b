package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPConfig limits what the HTTP loader may fetch.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
	Client         *http.Client
}

// HTTP loads modules from http and https URLs on allowed hosts.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP loader. With no allowed hosts every fetch fails.
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

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &HTTP{cfg: cfg, client: client}
}

func (h *HTTP) Fetch(ctx context.Context, specifier string) (Source, error) {
	if !Key(specifier).IsURL() {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
	}
	if len(specifier) > h.cfg.MaxURLLength {
		return Source{}, errors.New("url exceeds max length")
	}

	parsed, err := url.Parse(specifier)
	if err != nil {
		return Source{}, fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Source{}, fmt.Errorf("%w: unsupported scheme %s", ErrNotFound, parsed.Scheme)
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return Source{}, fmt.Errorf("http modules not enabled")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return Source{}, fmt.Errorf("host not allowed: %s", host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specifier, nil)
	if err != nil {
		return Source{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Source{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Source{}, fmt.Errorf("fetch %s: status %d", specifier, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		return Source{}, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxBodySize {
		return Source{}, fmt.Errorf("module %s exceeds max size", specifier)
	}

	src := sourceFromData(parsed.Path, body)
	src.Name = specifier
	if kind, ok := kindForContentType(resp.Header.Get("Content-Type")); ok && kind != src.Kind {
		src = Source{Kind: kind, Name: specifier}
		if kind == KindBytes {
			src.Bytes = body
		} else {
			src.Text = string(body)
		}
	}
	return src, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	for _, allowed := range h.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func kindForContentType(contentType string) (Kind, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, false
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return KindJSON, true
	case mediaType == "application/yaml" || mediaType == "application/x-yaml" || mediaType == "text/yaml":
		return KindYAML, true
	case mediaType == "application/wasm" || mediaType == "application/octet-stream":
		return KindBytes, true
	case strings.HasSuffix(mediaType, "javascript") || mediaType == "application/typescript":
		return KindScript, true
	}
	return 0, false
}
