package hostfunc

import "time"

// Filesystem types

// FileEntry describes a file or directory under a mount.
type FileEntry struct {
	Name    string    `js:",readonly"`
	Size    int64     `js:",readonly"`
	IsDir   bool      `js:",readonly"`
	ModTime time.Time `js:",readonly"`
}

// HTTP types

// HTTPRequest is the argument of http.request.
type HTTPRequest struct {
	Method  string
	URL     string
	Body    string
	Headers map[string]string
}

// HTTPResponse is what http.request resolves to.
type HTTPResponse struct {
	Status  int               `js:",readonly"`
	Body    string            `js:",readonly"`
	Headers map[string]string `js:",readonly"`
}
