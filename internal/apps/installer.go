package apps

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxBundleSize caps a downloaded app bundle.
const maxBundleSize = 64 << 20

// Installer fetches app bundles from a remote registry. A bundle is a zip
// archive served at <Registry>/<name>.zip.
type Installer struct {
	Registry string
	Client   *http.Client
	log      zerolog.Logger
}

func NewInstaller(registry string, log zerolog.Logger) *Installer {
	return &Installer{
		Registry: strings.TrimRight(registry, "/"),
		Client:   &http.Client{Timeout: 60 * time.Second},
		log:      log.With().Str("component", "installer").Logger(),
	}
}

// Install downloads the named app and unpacks it into dest.
func (in *Installer) Install(ctx context.Context, name, dest string) error {
	if in.Registry == "" {
		return fmt.Errorf("app %s is not installed and no registry is configured", name)
	}
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid app name %q", name)
	}

	src := in.Registry + "/" + url.PathEscape(name) + ".zip"
	in.log.Info().Str("app", name).Str("url", src).Msg("Installing app")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := in.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch app %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch app %s: status code %d", name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize+1))
	if err != nil {
		return fmt.Errorf("failed to read app %s: %w", name, err)
	}
	if len(data) > maxBundleSize {
		return fmt.Errorf("app %s exceeds %d bytes", name, maxBundleSize)
	}
	return Unpack(data, dest)
}

// Unpack extracts a zip bundle into dest. Entries escaping dest are
// rejected.
func Unpack(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".install-*")
	if err != nil {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("create apps dir: %w", err)
		}
		if tmp, err = os.MkdirTemp(filepath.Dir(dest), ".install-*"); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
	}
	defer os.RemoveAll(tmp)

	for _, f := range zr.File {
		target := filepath.Join(tmp, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, tmp+string(os.PathSeparator)) {
			return fmt.Errorf("bundle entry %q escapes the app directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extract(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("move app into place: %w", err)
	}
	return nil
}

func extract(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
