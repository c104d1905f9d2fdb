// Package fetch downloads source media to transient local files for video understanding.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 60 * time.Second

// DefaultUserAgent is the user agent string for HTTP requests.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultMaxBytes caps a single media download.
const DefaultMaxBytes int64 = 200 << 20

// TempPrefix names downloaded files so stale ones can be swept.
const TempPrefix = "video_"

// ErrTooLarge is returned when a download exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("media exceeds size limit")

// Error represents an error during a media download.
type Error struct {
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetch error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures the download behavior.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	MaxBytes  int64
	// TempDir receives downloaded files. Empty selects os.TempDir().
	TempDir string
}

// DefaultOptions returns sensible defaults for downloading.
func DefaultOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		MaxBytes:  DefaultMaxBytes,
	}
}

// Download is a media file fetched to local disk. The caller owns Path and must Remove it.
type Download struct {
	URL         string
	Path        string
	ContentType string
	Size        int64
}

// Remove deletes the downloaded file
func (d *Download) Remove() error {
	if d == nil || d.Path == "" {
		return nil
	}
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", d.Path, err)
	}
	return nil
}

// Media downloads urlStr into a new temp file. Partial files are removed on failure.
func Media(ctx context.Context, urlStr string, opts *Options) (*Download, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, &Error{
			URL:     urlStr,
			Message: "invalid URL",
			Cause:   err,
		}
	}

	client := &http.Client{
		Timeout: opts.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, &Error{
			URL:     urlStr,
			Message: "failed to create request",
			Cause:   err,
		}
	}

	req.Header.Set("User-Agent", userAgent)
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{
			URL:     urlStr,
			Message: "HTTP request failed",
			Cause:   err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			URL:     urlStr,
			Message: fmt.Sprintf("HTTP status %d", resp.StatusCode),
		}
	}
	if resp.ContentLength > maxBytes {
		return nil, &Error{URL: urlStr, Message: "content length too large", Cause: ErrTooLarge}
	}

	contentType := resp.Header.Get("Content-Type")
	f, err := os.CreateTemp(opts.TempDir, TempPrefix+"*"+extensionFor(parsedURL.Path, contentType))
	if err != nil {
		return nil, &Error{URL: urlStr, Message: "failed to create temp file", Cause: err}
	}

	dl := &Download{URL: urlStr, Path: f.Name(), ContentType: contentType}
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxBytes+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = dl.Remove()
		return nil, &Error{URL: urlStr, Message: "failed to read response body", Cause: copyErr}
	case n > maxBytes:
		_ = dl.Remove()
		return nil, &Error{URL: urlStr, Message: fmt.Sprintf("download exceeded %d bytes", maxBytes), Cause: ErrTooLarge}
	case closeErr != nil:
		_ = dl.Remove()
		return nil, &Error{URL: urlStr, Message: "failed to write temp file", Cause: closeErr}
	}

	dl.Size = n
	return dl, nil
}

// extensionFor picks a file extension from the URL path, then the content type, then .mp4
func extensionFor(path, contentType string) string {
	if ext := filepath.Ext(path); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return ".mp4"
}

// MIMEType guesses a media type from a file name, defaulting to video/mp4
func MIMEType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	return "video/mp4"
}

// CleanupOld removes downloads in dir older than maxAge and reports how many were removed.
func CleanupOld(dir string, maxAge time.Duration, now time.Time) (int, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, TempPrefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("failed to list downloads: %w", err)
	}

	removed := 0
	cutoff := now.Add(-maxAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}
