package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/webpubdev/webpub/pkg/store"
	"github.com/webpubdev/webpub/pkg/syncserver"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, string) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	token, err := s.AddToken()
	if err != nil {
		t.Fatalf("AddToken failed: %v", err)
	}

	srv := syncserver.New(s, 5, nil)
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	t.Cleanup(httpSrv.Close)
	return httpSrv, s, token
}

func writeSite(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>hello</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "assets", "style.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPushThenList(t *testing.T) {
	httpSrv, _, token := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	dir := t.TempDir()
	writeSite(t, dir)

	c := New(wsURL, token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.Push(ctx, dir, "example.com")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if res.SnapshotID == 0 {
		t.Error("expected nonzero snapshot id")
	}
	if res.Uploaded != res.TotalChunks {
		t.Errorf("uploaded = %d, want %d (fresh site, nothing present)", res.Uploaded, res.TotalChunks)
	}

	snaps, err := c.List(ctx, "example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].IsCurrent {
		t.Errorf("snapshots = %+v, want one current entry", snaps)
	}
}

func TestPushTwiceDedupesChunks(t *testing.T) {
	httpSrv, _, token := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	dir := t.TempDir()
	writeSite(t, dir)

	c := New(wsURL, token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Push(ctx, dir, "example.com"); err != nil {
		t.Fatalf("first Push failed: %v", err)
	}

	res2, err := c.Push(ctx, dir, "example.com")
	if err != nil {
		t.Fatalf("second Push failed: %v", err)
	}
	if res2.Uploaded != 0 {
		t.Errorf("second push uploaded %d chunks, want 0 (unchanged content)", res2.Uploaded)
	}
}

func TestPushThenRollback(t *testing.T) {
	httpSrv, _, token := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	dir := t.TempDir()
	writeSite(t, dir)

	c := New(wsURL, token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Push(ctx, dir, "example.com"); err != nil {
		t.Fatalf("first Push failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>changed</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Push(ctx, dir, "example.com"); err != nil {
		t.Fatalf("second Push failed: %v", err)
	}

	id, err := c.Rollback(ctx, "example.com", nil)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if id == 0 {
		t.Error("expected nonzero rolled-back-to snapshot id")
	}

	snaps, err := c.List(ctx, "example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %+v, want 2 entries", snaps)
	}
}

func TestRollbackFailsWithNoHistory(t *testing.T) {
	httpSrv, _, token := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	c := New(wsURL, token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Rollback(ctx, "never-deployed.example", nil); err == nil {
		t.Error("expected Rollback to fail for a hostname with no snapshots")
	}
}
