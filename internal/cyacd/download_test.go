package cyacd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/images/fw.cyacd" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(testImage()))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var last int64
	path, err := Download(context.Background(), srv.URL+"/images/fw.cyacd", dir, func(written, _ int64) { last = written })
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if path != filepath.Join(dir, "fw.cyacd") {
		t.Errorf("Download() path = %s", path)
	}
	if last != int64(len(testImage())) {
		t.Errorf("progress reported %d bytes, want %d", last, len(testImage()))
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	if _, err := Load(path); err != nil {
		t.Errorf("Load() of downloaded image error = %v", err)
	}

	// cached copy is reused
	if _, err := Download(context.Background(), srv.URL+"/images/fw.cyacd", dir, nil); err != nil {
		t.Fatalf("second Download() error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}

	if _, err := Download(context.Background(), srv.URL+"/images/missing.cyacd", dir, nil); err == nil {
		t.Error("Download() of a missing image should fail")
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.cyacd")); !os.IsNotExist(err) {
		t.Error("failed download left a file behind")
	}
}

func TestDownloadRejectsScheme(t *testing.T) {
	if _, err := Download(context.Background(), "file:///etc/passwd", t.TempDir(), nil); err == nil {
		t.Error("Download() with a file url should fail")
	}
}
