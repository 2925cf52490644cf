package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/clipforge/clipforge-api/errors"
)

// TokenMatches compares a presented token against the configured API token in
// constant time. The websocket handler shares it, where the token rides the
// path instead of the Authorization header.
func TokenMatches(apiToken, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(apiToken), []byte(presented)) == 1
}

func IsAuthorized(apiToken string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		header := r.Header.Get("Authorization")
		if header == "" {
			errors.WriteHTTPUnauthorized(w, "No authorization header", nil)
			return
		}
		if !TokenMatches(apiToken, strings.TrimPrefix(header, "Bearer ")) {
			errors.WriteHTTPUnauthorized(w, "Invalid Token", nil)
			return
		}
		next(w, r, ps)
	}
}
