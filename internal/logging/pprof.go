package logging

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
)

// startPprof serves the profiling endpoints on their own mux so nothing
// else registered on http.DefaultServeMux leaks onto addr.
func startPprof(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	log := ForComponent(CompDaemon)
	go func() {
		log.Info("pprof_listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("pprof_failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}
