package engine

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
)

// Platform identifies an operating system and architecture pair.
type Platform struct {
	OS   string
	Arch string
}

func (p Platform) String() string { return p.OS + "/" + p.Arch }

// supportedPlatforms lists the targets the script runtime and the wasm
// compiler are exercised on. js/wasm and wasip1 hosts cannot run either.
var supportedPlatforms = map[string][]string{
	"linux":   {"amd64", "arm64", "386", "arm", "riscv64", "ppc64le", "s390x", "loong64"},
	"darwin":  {"amd64", "arm64"},
	"windows": {"amd64", "arm64", "386"},
	"freebsd": {"amd64", "arm64"},
	"netbsd":  {"amd64", "arm64"},
	"openbsd": {"amd64", "arm64"},
	"illumos": {"amd64"},
}

var detectPlatform = func() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

var platformCheck = newPlatformCheck()

func newPlatformCheck() func() error {
	return sync.OnceValue(func() error {
		p := detectPlatform()
		if !Supported(p) {
			return fmt.Errorf("%w: %s", ErrPlatformUnsupported, p)
		}
		return nil
	})
}

// Supported reports whether p is in the supported matrix.
func Supported(p Platform) bool {
	return slices.Contains(supportedPlatforms[p.OS], p.Arch)
}

// CheckPlatform reports ErrPlatformUnsupported when the running platform is
// outside the supported matrix. Detection runs once per process.
func CheckPlatform() error {
	return platformCheck()
}
