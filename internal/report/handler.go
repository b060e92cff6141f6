package report

import (
	"errors"
	"net/http"
	"strings"

	"github.com/banshee-data/campus.safety/internal/fsutil"
	"github.com/banshee-data/campus.safety/internal/httputil"
	"github.com/banshee-data/campus.safety/internal/security"
)

var contentTypes = map[Format]string{
	PDF:  "application/pdf",
	JSON: "application/json",
	HTML: "text/html; charset=utf-8",
}

// Handler serves the report directory: GET / lists reports as JSON,
// GET /<name> returns one report and DELETE /<name> removes it. Mount
// it with http.StripPrefix.
func Handler(fsys fsutil.FileSystem, dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			files, err := List(fsys, dir)
			if err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
			if files == nil {
				files = []File{}
			}
			httputil.WriteJSON(w, http.StatusOK, files)
			return
		}

		switch r.Method {
		case http.MethodGet:
			f, data, err := Read(fsys, dir, name)
			if err != nil {
				writeLookupError(w, err)
				return
			}
			w.Header().Set("Content-Type", contentTypes[f.Format])
			w.Header().Set("Content-Disposition", `inline; filename="`+f.Name+`"`)
			_, _ = w.Write(data)
		case http.MethodDelete:
			if err := Remove(fsys, dir, name); err != nil {
				writeLookupError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			httputil.MethodNotAllowed(w)
		}
	})
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, security.ErrPathTraversal):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
