package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/conflict"
	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/replica"
	"github.com/roach88/bizsync/internal/store"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics, health and sync endpoints over HTTP",
		Long: `Serve the local node over HTTP until interrupted.

Endpoints:
  GET  /metrics                     Prometheus metrics
  GET  /healthz                     database health (503 when unhealthy)
  GET  /entities/{kind}/{id}        one record
  GET  /changes?since=<hlc>         change set for another device
  POST /changes                     import a change set
  GET  /reviews?status=pending      queued conflicts
  POST /reviews/{id}/resolve?choice=local|remote|merge

The listen address defaults to metrics.listen from the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides metrics.listen)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	n, err := opts.openNode(ctx, reg)
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to open node", err)
	}
	defer n.Close()

	srv, err := newServer(n, reg, opts.Logger)
	if err != nil {
		return f.Fail(ExitFailure, CodeConfig, "failed to register metrics", err)
	}

	addr := opts.Listen
	if addr == "" {
		addr = opts.Config.Metrics.Listen
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("starting HTTP server", zap.String("addr", addr), zap.String("node_id", n.ID()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return f.Fail(ExitFailure, CodeConfig, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	srv.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return f.Fail(ExitFailure, CodeConfig, "HTTP shutdown failed", err)
	}
	return nil
}

// server exposes one node over HTTP.
type server struct {
	node   *replica.Node
	router *mux.Router
	logger *zap.Logger
}

// newServer registers the runtime and store collectors on reg and builds the
// router. The node's own metrics must already be registered on reg.
func newServer(n *replica.Node, reg *prometheus.Registry, logger *zap.Logger) (*server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		store.NewCollector(n.Store(), n.ID()),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	s := &server{node: n, router: mux.NewRouter(), logger: logger.Named("http")}
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/entities/{kind}/{id}", s.getEntity).Methods(http.MethodGet)
	s.router.HandleFunc("/changes", s.exportChanges).Methods(http.MethodGet)
	s.router.HandleFunc("/changes", s.importChanges).Methods(http.MethodPost)
	s.router.HandleFunc("/reviews", s.listReviews).Methods(http.MethodGet)
	s.router.HandleFunc("/reviews/{id}/resolve", s.resolveReview).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, http.StatusNotFound, CodeInput, errors.New("endpoint not found"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, http.StatusMethodNotAllowed, CodeInput, errors.New("method not allowed"))
	})
	return s, nil
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	res, err := probe(r.Context(), s.node.Store())
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, CodeStore, err)
		return
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.write(w, status, res)
}

func (s *server) getEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := entity.ParseKind(vars["kind"])
	if err != nil {
		s.fail(w, http.StatusBadRequest, CodeInput, err)
		return
	}
	e, err := s.node.Get(r.Context(), kind, vars["id"])
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.write(w, http.StatusOK, e.Snapshot())
}

func (s *server) exportChanges(w http.ResponseWriter, r *http.Request) {
	var since hlc.Timestamp
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := hlc.Parse(v)
		if err != nil {
			s.fail(w, http.StatusBadRequest, CodeInput, err)
			return
		}
		since = ts
	}
	cs, err := s.node.Export(r.Context(), since)
	if err != nil {
		s.failFor(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := replica.WriteChangeSet(w, cs); err != nil {
		s.logger.Warn("write change set", zap.Error(err))
	}
}

func (s *server) importChanges(w http.ResponseWriter, r *http.Request) {
	cs, err := replica.ReadChangeSet(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, CodeInput, err)
		return
	}
	report, err := s.node.Import(r.Context(), cs)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.write(w, http.StatusOK, report)
}

func (s *server) listReviews(w http.ResponseWriter, r *http.Request) {
	var status store.ReviewStatus
	switch v := r.URL.Query().Get("status"); v {
	case "", string(store.ReviewPending):
		status = store.ReviewPending
	case string(store.ReviewResolved):
		status = store.ReviewResolved
	case "all":
	default:
		s.fail(w, http.StatusBadRequest, CodeInput, errors.New("status must be pending, resolved or all"))
		return
	}
	recs, err := s.node.Reviews(r.Context(), status)
	if err != nil {
		s.failFor(w, err)
		return
	}
	views := make([]ReviewView, len(recs))
	for i, rec := range recs {
		views[i] = newReviewView(rec)
	}
	s.write(w, http.StatusOK, views)
}

func (s *server) resolveReview(w http.ResponseWriter, r *http.Request) {
	choice, err := conflict.ParseChoice(r.URL.Query().Get("choice"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, CodeInput, err)
		return
	}
	e, err := s.node.ResolveReview(r.Context(), mux.Vars(r)["id"], choice)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.write(w, http.StatusOK, e.Snapshot())
}

func (s *server) write(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(CLIResponse{Status: "ok", Data: data}); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *server) fail(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: code, Message: err.Error()},
	})
}

// failFor maps domain errors onto HTTP statuses.
func (s *server) failFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, store.ErrReviewResolved):
		s.fail(w, http.StatusConflict, CodeInput, err)
	case errors.Is(err, replica.ErrInvalidRevision),
		errors.Is(err, replica.ErrChangeSetCorrupt),
		errors.Is(err, entity.ErrInvalidValue):
		s.fail(w, http.StatusUnprocessableEntity, CodeInput, err)
	default:
		s.fail(w, http.StatusInternalServerError, CodeStore, err)
	}
}
