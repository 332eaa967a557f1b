package module

import (
	"net/url"
	"path"
	"strings"
)

// Key is the canonical identity of a module within a Resolver.
type Key string

func (k Key) String() string { return string(k) }

// IsURL reports whether the key is an absolute URL.
func (k Key) IsURL() bool { return isURL(string(k)) }

// KeyFor canonicalises specifier as imported from referrer.
//
// Relative specifiers ("./x", "../x") and rooted paths ("/x") resolve against
// the referrer, which may itself be a path or a URL. Absolute URLs are
// normalised. Anything else is a bare specifier and is its own key.
func KeyFor(referrer Key, specifier string) Key {
	switch {
	case isURL(specifier):
		u, err := url.Parse(specifier)
		if err != nil {
			return Key(specifier)
		}
		return Key(normalizeURL(u))
	case isRelative(specifier) || strings.HasPrefix(specifier, "/"):
		ref := string(referrer)
		if isURL(ref) {
			base, err := url.Parse(ref)
			if err != nil {
				return Key(specifier)
			}
			u, err := base.Parse(specifier)
			if err != nil {
				return Key(specifier)
			}
			return Key(normalizeURL(u))
		}
		if strings.HasPrefix(specifier, "/") {
			return Key(path.Clean(specifier))
		}
		return Key(path.Join(path.Dir(ref), specifier))
	default:
		return Key(specifier)
	}
}

func isRelative(s string) bool {
	return s == "." || s == ".." || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../")
}

func isURL(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

func normalizeURL(u *url.URL) string {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path != "" {
		clean := path.Clean(u.Path)
		if strings.HasSuffix(u.Path, "/") && clean != "/" {
			clean += "/"
		}
		u.Path = clean
	}
	return u.String()
}
