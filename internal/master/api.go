package master

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mini-sort/internal/logutil"
	"mini-sort/internal/storage"
)

// StatusServer exposes job status and metrics over HTTP.
type StatusServer struct {
	Store    *storage.JobStore
	Gatherer prometheus.Gatherer
}

// NewStatusServer creates a server reading from store and gatherer.
func NewStatusServer(store *storage.JobStore, gatherer prometheus.Gatherer) *StatusServer {
	return &StatusServer{Store: store, Gatherer: gatherer}
}

// Router returns the HTTP routes of the server.
func (s *StatusServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/jobs", s.HandleListJobs).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs/{id}", s.HandleGetJob).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

// HandleListJobs writes every known job status.
func (s *StatusServer) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Store.ListJobs())
}

// HandleGetJob writes the status of the job named in the path.
func (s *StatusServer) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.Store.GetStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job " + id + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logutil.L().Warn("failed to write response", zap.Error(err))
	}
}

// Serve listens on addr and serves until ctx is done. It returns the bound
// address on ready once listening, which lets callers pass port 0.
func (s *StatusServer) Serve(ctx context.Context, addr string, ready chan<- net.Addr) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", addr)
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	if ready != nil {
		ready <- ln.Addr()
	}
	logutil.L().Info("status server started", zap.Stringer("addr", ln.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Trace(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Trace(err)
	}
	<-errCh
	return nil
}
