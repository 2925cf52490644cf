package metrics

import (
	"fmt"
	"net/http"

	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func ListenAndServe(app string, promPort int) error {
	listen := fmt.Sprintf("0.0.0.0:%d", promPort)
	Metrics.Version.WithLabelValues(app, config.Version).Set(1)
	// Private mux: nothing another package registers on the default mux may
	// ride the public metrics port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.LogNoRequestID(
		"Starting Prometheus metrics",
		"version", config.Version,
		"host", listen,
	)
	return http.ListenAndServe(listen, mux)
}
