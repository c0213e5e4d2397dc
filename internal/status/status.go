// Package status provides a narrow, read-only HTTP introspection API for a
// running de-identification run: GET /status and GET /metrics. Adapted from
// the teacher's management API — same bearer-token gate via
// crypto/subtle.ConstantTimeCompare, same JSON response helper — narrowed to
// reporting only, since the interactive review front-end is out of scope.
package status

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/voxelmask/deidentify/internal/metrics"
	"github.com/voxelmask/deidentify/internal/runctl"
)

// RunProvider supplies the current run's lifecycle snapshot. *runctl.RunHandle
// satisfies this.
type RunProvider interface {
	RunSnapshot() runctl.Snapshot
}

// Server is the status API server. It is off by default: the caller only
// constructs and starts one when config.StatusPort != 0.
type Server struct {
	run       RunProvider
	metrics   *metrics.Metrics
	token     string // bearer token for auth; empty = no auth
	startTime time.Time

	// TLSCertFile/TLSKeyFile, if both set, enable TLS with HTTP/2
	// negotiation via http2.ConfigureServer, mirroring the posture the
	// teacher's MITM layer uses for intercepted connections.
	TLSCertFile string
	TLSKeyFile  string
}

// New creates a status server for one run.
func New(run RunProvider, m *metrics.Metrics, token string) *Server {
	s := &Server{run: run, metrics: m, token: token, startTime: time.Now()}
	if s.token != "" {
		log.Printf("[STATUS] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the status API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[STATUS] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Uptime        string `json:"uptime"`
		RunID         string `json:"runId"`
		Status        string `json:"status"`
		ProfileName   string `json:"profileName"`
		FailureReason string `json:"failureReason,omitempty"`
	}

	snap := s.run.RunSnapshot()
	resp := response{
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		RunID:         snap.RunID,
		Status:        string(snap.Status),
		ProfileName:   snap.ProfileName,
		FailureReason: snap.FailureReason,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[STATUS] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the status HTTP server on 127.0.0.1:port. When both
// TLSCertFile and TLSKeyFile are set it serves TLS with HTTP/2 negotiation
// configured via http2.ConfigureServer; otherwise it serves plain HTTP/1.1,
// appropriate for a loopback-only introspection endpoint.
func (s *Server) ListenAndServe(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.TLSCertFile == "" || s.TLSKeyFile == "" {
		log.Printf("[STATUS] Listening on %s (HTTP/1.1)", addr)
		return srv.ListenAndServe()
	}

	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return fmt.Errorf("configure http2: %w", err)
	}
	srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	log.Printf("[STATUS] Listening on %s (TLS + HTTP/2)", addr)
	return srv.ListenAndServeTLS(s.TLSCertFile, s.TLSKeyFile)
}
