package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type Retries struct {
	count          int
	lastStatusCode int
}

// MonitorRequest times one outbound request and records per-host retry and
// failure counters. Retry counting requires the client's CheckRetry to be
// HttpRetryHook; the request's own context is preserved so cancellation still
// flows through.
func MonitorRequest(clientMetrics ClientMetrics, client *http.Client, r *http.Request) (*http.Response, error) {
	ctx := context.WithValue(r.Context(), RetriesKey, &Retries{count: -1})
	req := r.WithContext(ctx)

	start := time.Now()
	res, err := client.Do(req)
	duration := time.Since(start)

	retries, ok := ctx.Value(RetriesKey).(*Retries)
	if !ok {
		return res, err
	}
	if retries.lastStatusCode >= 400 {
		clientMetrics.FailureCount.WithLabelValues(req.URL.Host, fmt.Sprint(retries.lastStatusCode)).Inc()
		return res, err
	}

	clientMetrics.RequestDuration.WithLabelValues(req.URL.Host).Observe(duration.Seconds())
	clientMetrics.RetryCount.WithLabelValues(req.URL.Host).Set(float64(retries.count))

	return res, err
}

// HttpRetryHook counts attempts and remembers the last status code seen so
// MonitorRequest can label failures. Requests that never reached a server are
// recorded as status 999. Safe to install on clients whose requests don't go
// through MonitorRequest.
func HttpRetryHook(ctx context.Context, res *http.Response, err error) (bool, error) {
	if retries, ok := ctx.Value(RetriesKey).(*Retries); ok {
		if res == nil {
			retries.lastStatusCode = 999
		} else {
			retries.lastStatusCode = res.StatusCode
		}
		retries.count++
	}

	return retryablehttp.DefaultRetryPolicy(ctx, res, err)
}
