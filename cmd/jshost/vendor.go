package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/jshost/module"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var vendorCmd = &cobra.Command{
	Use:   "vendor URL...",
	Short: "Download URL modules for offline use",
	Long: `Download modules by URL into a local directory.

Vendored modules are served in place of network fetches when the directory
is passed with --vendor:

  jshost vendor https://esm.example.com/lib.js --dir vendor
  jshost run main.js --vendor vendor

Files are stored as <dir>/<host>/<path>. Hosts of the given URLs are allowed
automatically.`,
	Args:          cobra.MinimumNArgs(1),
	RunE:          runVendor,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	vendorCmd.Flags().String("dir", "vendor", "Directory to write modules into")
	vendorCmd.Flags().Duration("timeout", 30*time.Second, "Per-request timeout")
	vendorCmd.Flags().Int64("http-max-body", 1024*1024, "Max module size")
	rootCmd.AddCommand(vendorCmd)
}

func runVendor(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxBody, _ := cmd.Flags().GetInt64("http-max-body")

	hosts := make([]string, 0, len(args))
	for _, raw := range args {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("invalid module url %q", raw)
		}
		hosts = append(hosts, u.Hostname())
	}

	loader := module.NewHTTP(module.HTTPConfig{
		AllowedHosts:   lo.Uniq(hosts),
		MaxBodySize:    maxBody,
		RequestTimeout: timeout,
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, raw := range args {
		dest, err := vendorFetch(ctx, loader, dir, raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", raw, dest)
	}
	return nil
}

func vendorFetch(ctx context.Context, loader module.Loader, dir, raw string) (string, error) {
	key := module.KeyFor("", raw)
	src, err := loader.Fetch(ctx, key.String())
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", raw, err)
	}

	rel, err := vendorPath(key.String())
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	data := src.Bytes
	if src.Kind != module.KindBytes {
		data = []byte(src.Text)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// vendorPath maps a module URL to its slash-separated location under the
// vendor directory.
func vendorPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.js"
	}
	host := strings.ReplaceAll(u.Host, ":", "_")
	return path.Join(host, path.Clean("/"+p)), nil
}

// vendored serves URL specifiers from a vendor directory. Other specifiers
// and URLs that were never vendored fall through.
func vendored(dir string) module.Loader {
	files := module.NewFS([]module.Mount{{VirtualPath: "/", HostPath: dir}}, module.WithExtensions())
	return module.LoaderFunc(func(ctx context.Context, specifier string) (module.Source, error) {
		if !module.Key(specifier).IsURL() {
			return module.Source{}, fmt.Errorf("%w: %s", module.ErrNotFound, specifier)
		}
		rel, err := vendorPath(specifier)
		if err != nil {
			return module.Source{}, fmt.Errorf("%w: %s", module.ErrNotFound, specifier)
		}
		src, err := files.Fetch(ctx, "/"+rel)
		if err != nil {
			return module.Source{}, err
		}
		src.Name = specifier
		return src, nil
	})
}
