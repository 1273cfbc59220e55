// Package web serves the browser event adapter that feeds the session API.
package web

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/gorilla/mux"
)

//go:embed static
var staticFS embed.FS

// AdapterPath is where the event adapter script is served.
const AdapterPath = "/static/engage.js"

// RegisterRoutes mounts the embedded static files under /static/.
func RegisterRoutes(r *mux.Router) {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		// The embed directive guarantees the directory exists
		panic(err)
	}

	r.PathPrefix("/static/").
		Methods("GET", "HEAD").
		Handler(cacheControl(http.StripPrefix("/static/", http.FileServer(http.FS(sub)))))
}

func cacheControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		next.ServeHTTP(w, r)
	})
}
