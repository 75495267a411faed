package cyacd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// Progress reports download progress. total is -1 when unknown.
type Progress func(written, total int64)

// Download fetches an image into dir, unless a non-empty copy is already
// there, and returns its path.
func Download(ctx context.Context, rawURL, dir string, progress Progress) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("cyacd: download url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("cyacd: download url must be http or https, got %q", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", fmt.Errorf("cyacd: no file name in %q", rawURL)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("cyacd: creating cache dir: %w", err)
	}
	destPath := filepath.Join(dir, name)

	// Check if already downloaded
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		slog.Info("[BOOT] firmware already cached", "path", destPath, "bytes", info.Size())
		return destPath, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("cyacd: download: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cyacd: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cyacd: download failed: HTTP %d", resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("cyacd: creating temp file: %w", err)
	}

	pw := &progressWriter{writer: f, total: resp.ContentLength, report: progress}
	written, err := io.Copy(pw, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("cyacd: writing %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("cyacd: moving %s: %w", name, err)
	}
	slog.Info("[BOOT] firmware downloaded", "path", destPath, "bytes", written)
	return destPath, nil
}

// progressWriter wraps an io.Writer and reports download progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	report  Progress
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.report != nil {
		pw.report(pw.written, pw.total)
	}
	return n, err
}
