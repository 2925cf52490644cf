package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/clipforge/clipforge-api/metrics"
	"github.com/julienschmidt/httprouter"
)

const retryAfterSeconds = 30

// JobCounter reports how many pipeline jobs are currently in flight.
type JobCounter interface {
	InFlight() int
}

type CapacityMiddleware struct {
	requestsInFlight atomic.Int64
}

// HasCapacity rejects new pipeline work with 429 once running jobs plus
// requests still being admitted reach maxJobs.
func (c *CapacityMiddleware) HasCapacity(jobs JobCounter, maxJobs int, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		metrics.Metrics.HTTPRequestsInFlight.Add(1)
		defer metrics.Metrics.HTTPRequestsInFlight.Add(-1)

		inFlight := c.requestsInFlight.Add(1)
		defer c.requestsInFlight.Add(-1)

		if maxJobs > 0 && jobs.InFlight()+int(inFlight)-1 >= maxJobs {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		next(w, r, ps)
	}
}
