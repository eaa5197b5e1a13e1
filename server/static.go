// File: server/static.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticHandler serves files rooted at dir: the request path is joined
// onto dir; a resolved directory gets index.html appended; a path
// escaping dir is rejected with 403; a missing file is rejected with
// 404; otherwise the file is served with a Content-Type guessed from its
// extension.
type staticHandler struct {
	root string
}

func newStaticHandler(dir string) (*staticHandler, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &staticHandler{root: abs}, nil
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", serverHeader())

	rel := strings.TrimPrefix(r.URL.Path, "/")
	target := filepath.Join(h.root, rel)

	if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, "index.html")
	}

	if !isDescendant(h.root, target) {
		http.Error(w, "403 forbidden", http.StatusForbidden)
		return
	}

	data, err := os.ReadFile(target)
	if err != nil {
		http.Error(w, "404 not found", http.StatusNotFound)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(target)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// isDescendant reports whether target is root or a path below it, after
// resolving both to absolute, cleaned form. This is the escape check: a
// request path containing enough ".." segments to climb out of root must
// be rejected rather than served.
func isDescendant(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

func serverHeader() string {
	return "wisp-server-go v" + Version
}

// noStaticHandler answers every non-upgrade request with 204; it's used
// when no static root is configured.
type noStaticHandler struct{}

func (noStaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", serverHeader())
	w.WriteHeader(http.StatusNoContent)
}
