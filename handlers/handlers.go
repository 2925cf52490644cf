package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/pipeline"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
)

// APIHandlersCollection wires the public API endpoints to the pipeline and
// its stores. Handlers validate, look up and schedule; all long-running work
// happens on coordinator goroutines.
type APIHandlersCollection struct {
	Cli      config.Cli
	Store    *store.Store
	State    *state.Manager
	Pipeline *pipeline.Coordinator
	Objects  *clients.ObjectStore
	Bus      *progress.Bus
}

func (d *APIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
