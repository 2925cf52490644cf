package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/requests"
	"github.com/julienschmidt/httprouter"

	kitlog "github.com/go-kit/log"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func LogRequest(logger kitlog.Logger) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		fn := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)
			requestID := requests.GetRequestId(r)

			defer func() {
				if err := recover(); err != nil {
					errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
					_ = logger.Log("err", err, "trace", debug.Stack())
				}
			}()

			next(wrapped, r, ps)

			success := wrapped.status < 400
			metrics.Metrics.APIRequestDurationSec.
				WithLabelValues(fmt.Sprint(success), fmt.Sprint(wrapped.status)).
				Observe(time.Since(start).Seconds())

			_ = logger.Log(
				"remote", r.RemoteAddr,
				"proto", r.Proto,
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"request_id", requestID,
				"duration", time.Since(start),
				"status", wrapped.status,
			)
		}

		return fn
	}
}
