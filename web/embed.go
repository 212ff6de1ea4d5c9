// Package web embeds the marketing site (dist/). Page routes like /pricing
// render index.html and the client-side page switcher picks the section;
// asset paths that do not exist answer 404.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const (
	assetCacheControl = "public, max-age=3600"
	pageCacheControl  = "no-cache"
)

// SPAHandler serves the embedded site.
func SPAHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return siteHandler(site)
}

func siteHandler(site fs.FS) http.Handler {
	files := http.FileServerFS(site)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if name == "" || name == "index.html" {
			servePage(w, r, files)
			return
		}

		if info, err := fs.Stat(site, name); err == nil && !info.IsDir() {
			w.Header().Set("Cache-Control", assetCacheControl)
			files.ServeHTTP(w, r)
			return
		}

		// A missing file with an extension is a broken asset link, not a page.
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}
		servePage(w, r, files)
	})
}

func servePage(w http.ResponseWriter, r *http.Request, files http.Handler) {
	w.Header().Set("Cache-Control", pageCacheControl)
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	files.ServeHTTP(w, r2)
}
