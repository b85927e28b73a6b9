// Package fetch downloads raw source files over HTTP.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"hydroprep/internal/core"
)

// ErrChecksumMismatch reports a download whose sha256 differs from the
// configured one.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Source is one file to download.
type Source struct {
	// Name is the file name inside the target directory.
	Name string
	URL  string
	// SHA256 is the expected hex digest. Empty skips the check.
	SHA256 string
}

// Client downloads sources. The zero value uses http.DefaultClient.
type Client struct {
	HTTP   *http.Client
	Logger *slog.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Get streams url into handler. Non-2xx responses are ExternalErrors.
func (c *Client) Get(ctx context.Context, url string, handler func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return core.External("http", "GET "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.External("http", "GET "+url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return handler(resp.Body)
}

// Directory downloads every source into dir. The files are fetched into a
// staging directory and the whole directory is moved into place only when
// every download succeeded.
func (c *Client) Directory(ctx context.Context, dir string, sources []Source) error {
	if err := validate(sources); err != nil {
		return err
	}
	st, err := core.NewStaging(dir)
	if err != nil {
		return err
	}
	defer st.Cleanup()
	if err := os.MkdirAll(st.Path(), 0o755); err != nil {
		return err
	}

	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.file(ctx, filepath.Join(st.Path(), s.Name), s); err != nil {
			return err
		}
		if c.Logger != nil {
			c.Logger.Info("downloaded", "name", s.Name, "url", s.URL)
		}
	}
	return st.Commit()
}

func (c *Client) file(ctx context.Context, path string, s Source) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	err = c.Get(ctx, s.URL, func(r io.Reader) error {
		_, err := io.Copy(io.MultiWriter(f, h), r)
		return err
	})
	if err != nil {
		return err
	}
	if s.SHA256 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, s.SHA256) {
			return fmt.Errorf("%w: %s: want %s, got %s", ErrChecksumMismatch, s.Name, s.SHA256, got)
		}
	}
	return f.Close()
}

func validate(sources []Source) error {
	seen := map[string]struct{}{}
	for _, s := range sources {
		if s.Name == "" || s.Name != filepath.Base(s.Name) || s.Name == "." || s.Name == ".." {
			return fmt.Errorf("invalid download name %q", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate download name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.URL == "" {
			return fmt.Errorf("download %q has no url", s.Name)
		}
	}
	return nil
}
