// Package pprof serves the net/http/pprof debug handlers on their own
// loopback port, away from the public API listener.
package pprof

import (
	"fmt"
	"net/http"
	"net/http/pprof"
)

// ListenAndServe binds loopback only: the handlers expose goroutine dumps
// and heap contents and the port carries no auth. The private mux keeps
// them off http.DefaultServeMux, so no other listener can pick them up.
func ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return fmt.Errorf("pprof listener stopped: %w", http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), mux))
}
