package clients

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
)

// newRetryableClient wraps httpClient with bounded retries and the metrics
// retry hook. Pass nil for a default 30s-timeout client. Requests routed
// through metrics.MonitorRequest additionally get per-host timing counters.
func newRetryableClient(httpClient *http.Client) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	if httpClient != nil {
		client.HTTPClient = httpClient
	} else {
		client.HTTPClient = &http.Client{
			Timeout: 30 * time.Second, // Give up on requests that take more than this long
		}
	}
	client.Logger = log.NewRetryableHTTPLogger()
	client.CheckRetry = metrics.HttpRetryHook

	return client.StandardClient()
}
