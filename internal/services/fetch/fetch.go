// Package fetch downloads and unpacks engine binaries and model files into
// the local caches.
package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const userAgent = "voicegate/1.0"

type Client struct {
	HTTP    *http.Client
	Retries int
	Log     *slog.Logger
	// Backoff returns the pause before retry attempt n (n >= 1).
	Backoff func(n int) time.Duration
}

func New(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		HTTP:    &http.Client{Timeout: 10 * time.Minute},
		Retries: 2,
		Log:     log,
		Backoff: func(n int) time.Duration { return time.Duration(n*n) * 500 * time.Millisecond },
	}
}

// File downloads url to dst, retrying failed attempts. The body is written to
// dst+".part" and renamed into place, so dst exists only when complete.
func (c *Client) File(ctx context.Context, url, dst string) error {
	var last error
	for i := 0; i <= c.Retries; i++ {
		if i > 0 {
			select {
			case <-time.After(c.Backoff(i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.once(ctx, url, dst); err != nil {
			last = err
			c.Log.Warn("download failed", "url", url, "attempt", i+1, "of", c.Retries+1, "error", err)
			continue
		}
		return nil
	}
	return last
}

// FirstOf tries each mirror in order until one succeeds.
func (c *Client) FirstOf(ctx context.Context, urls []string, dst string) error {
	if len(urls) == 0 {
		return errors.New("no download sources")
	}
	var last error
	for i, u := range urls {
		c.Log.Info("downloading", "url", u, "source", i+1, "of", len(urls))
		if last = c.File(ctx, u, dst); last == nil {
			return nil
		}
	}
	return fmt.Errorf("all %d sources failed: %w", len(urls), last)
}

func (c *Client) once(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bad status: %s", resp.Status)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func Exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Extract unpacks a .zip or .tar.gz archive into outDir.
func Extract(archive, outDir string) error {
	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ExtractZip(archive, outDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ExtractTarGz(archive, outDir)
	default:
		return fmt.Errorf("unsupported archive %s", filepath.Base(archive))
	}
}

func ExtractZip(zipPath, outDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := within(outDir, f.Name)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, 0o755)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func ExtractTarGz(archivePath, outDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := within(outDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// piper archives link versioned shared libraries
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("archive link %q is absolute", hdr.Name)
			}
			if _, err := within(outDir, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// Gunzip decompresses src into dst.
func Gunzip(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()
	return writeFile(dst, gz, 0o644)
}

// FindExecutable walks dir for the first regular file whose base name is in
// names. Archives often nest binaries in a versioned folder.
func FindExecutable(dir string, names ...string) string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
		if runtime.GOOS == "windows" {
			want[n+".exe"] = true
		}
	}
	var found string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if want[d.Name()] {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func within(root, name string) (string, error) {
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, root)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if runtime.GOOS != "windows" && mode&0o111 != 0 {
		return os.Chmod(target, 0o755)
	}
	return nil
}
