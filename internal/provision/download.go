package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/stencil-vm/stencil/internal/catalog"
	"github.com/stencil-vm/stencil/internal/logging"
)

// TransportError reports a failed image download. Retrying is left to the
// operator; partial downloads are removed so a retry starts clean.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ImageCache downloads cloud images into a directory and reuses them across
// runs. Reuse is keyed by filename (distribution, version and date stamp);
// no content verification is performed.
type ImageCache struct {
	Dir        string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Now stamps cache filenames; tests pin it.
	Now func() time.Time
}

func (c *ImageCache) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "image-cache")
}

func (c *ImageCache) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *ImageCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ImagePath returns the cache path a fetch of this distribution and version
// would use today.
func (c *ImageCache) ImagePath(distribution catalog.Distribution, version string) string {
	url := catalog.BuildDownloadURL(distribution, version)
	extension := path.Ext(url)
	if extension == "" {
		extension = ".img"
	}
	filename := fmt.Sprintf("%s-%s-%s%s", distribution.ID, version, c.now().Format("20060102"), extension)
	return filepath.Join(c.Dir, filename)
}

// Fetch downloads the distribution's cloud image unless a file with today's
// cache name already exists, and returns the local path. Idempotent by
// filename: re-running on the same day reuses the earlier download.
func (c *ImageCache) Fetch(ctx context.Context, distribution catalog.Distribution, version string) (string, error) {
	target := c.ImagePath(distribution, version)

	if _, err := os.Stat(target); err == nil {
		c.logger().Info("reusing cached image", "path", target)
		return target, nil
	}

	url := catalog.BuildDownloadURL(distribution, version)
	c.logger().Info("downloading image", "url", url, "path", target)

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	response, err := c.httpClient().Do(request)
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &TransportError{URL: url, StatusCode: response.StatusCode}
	}

	partial := target + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create partial file: %w", err)
	}

	if _, err := io.Copy(out, response.Body); err != nil {
		out.Close()
		os.Remove(partial)
		return "", &TransportError{URL: url, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("finalize partial file: %w", err)
	}
	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("publish downloaded image: %w", err)
	}

	c.logger().Info("image downloaded", "path", target)
	return target, nil
}
