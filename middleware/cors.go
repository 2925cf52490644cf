package middleware

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// AllowCORS opens the public artifact routes to browser players and editor
// frontends. Only GET crosses origins here, and the exposed headers let the
// caller read the filename and size the proxy handlers attach.
func AllowCORS() func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next(w, r, ps)
		}
	}
}
