// Package endpoints serves the driver's admin http paths.
package endpoints

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
)

const shutdownTimeout = 5 * time.Second

// AdminServer exposes health and stats over http.
type AdminServer struct {
	Addr  string
	Stats stats.StatsReceiver
}

func NewAdminServer(addr string, stat stats.StatsReceiver) *AdminServer {
	return &AdminServer{Addr: addr, Stats: stat}
}

// Handler returns the mux serving the admin paths.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", helpHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	return mux
}

// Serve listens on Addr until ctx is done.
func (s *AdminServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *AdminServer) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("Serving admin http & stats on %s", ln.Addr())
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json'", http.StatusNotImplemented)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

// statsHandler renders the receiver, resetting its latencies.
// ?pretty=true indents the json.
func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	pretty := r.URL.Query().Get("pretty") == "true"
	if _, err := w.Write(s.Stats.Render(pretty)); err != nil {
		log.Infof("Error writing stats: %v", err)
	}
}
