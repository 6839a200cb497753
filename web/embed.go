// Package web embeds the API reference (docs/) and provides an HTTP handler
// that serves it.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed docs
var docsFS embed.FS

// DocsHandler returns an http.Handler that serves the embedded API reference.
// Mount it behind http.StripPrefix; an empty path serves index.html.
func DocsHandler() http.Handler {
	subFS, err := fs.Sub(docsFS, "docs")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			name = "index.html"
		}

		info, err := fs.Stat(subFS, name)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, subFS, name)
	})
}
