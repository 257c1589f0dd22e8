package httpserver

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func (s *Server) startAdminServerWithListener(ln net.Listener) {
	r := mux.NewRouter()
	if s.opts.Monitoring != nil {
		r.HandleFunc("/healthz", s.opts.Monitoring.HandleHealthCheck).Methods(http.MethodGet)
		r.HandleFunc("/health", s.opts.Monitoring.HandleHealthCheck).Methods(http.MethodGet)
	}
	if s.opts.PrometheusHandler != nil {
		r.Handle("/metrics", s.opts.PrometheusHandler).Methods(http.MethodGet)
	}

	s.adminServer = &http.Server{Handler: s.mchain(r), ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second}
	s.startServerWithListener("admin", s.adminServer, ln)
}
