// Package httpread serves a site's current snapshot over plain HTTP:
// resolve the request path against the snapshot's tree, fall back to
// index.html for directories, and reassemble the matched file from its
// chunks.
package httpread

import (
	"bytes"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/webpubdev/webpub/pkg/merkle"
	"github.com/webpubdev/webpub/pkg/store"
)

// Handler serves every hostname known to its Store.
type Handler struct {
	Store *store.Store
}

// New returns a Handler backed by s.
func New(s *store.Store) *Handler {
	return &Handler{Store: s}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostname := r.Host
	if i := strings.IndexByte(hostname, ':'); i >= 0 {
		hostname = hostname[:i]
	}

	_, tree, err := h.Store.GetCurrentSnapshot(hostname)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tree == nil {
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	node := findNode(tree, r.URL.Path)
	if node == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if node.IsDir() {
		indexPath := r.URL.Path
		if strings.HasSuffix(indexPath, "/") {
			indexPath += "index.html"
		} else {
			indexPath += "/index.html"
		}
		node = findNode(tree, indexPath)
		if node == nil || node.IsDir() {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}

	var body bytes.Buffer
	for _, d := range node.Chunks {
		data, err := h.Store.GetChunk(d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if data == nil {
			http.Error(w, "Missing chunk", http.StatusInternalServerError)
			return
		}
		body.Write(data)
	}

	contentType := mime.TypeByExtension(filepath.Ext(node.Name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body.Bytes())
}

// findNode resolves an HTTP request path against tree, the same way the
// sync protocol's Merkle tree is addressed: the root path resolves to
// index.html among the top-level children, and every other path is a
// slash-separated walk down Children.
func findNode(tree *merkle.Node, path string) *merkle.Node {
	path = strings.Trim(path, "/")
	if path == "" {
		return merkle.Find(tree, []string{"index.html"})
	}

	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return merkle.Find(tree, segments)
}
