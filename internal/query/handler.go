package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Handler serves the aggregate endpoints.
type Handler struct {
	querier Querier
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewHandler creates the API handler with its querier dependency.
func NewHandler(querier Querier, log logrus.FieldLogger) *Handler {
	return &Handler{
		querier: querier,
		log:     log.WithField("component", "api"),
		now:     time.Now,
	}
}

// Router returns the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/domain", h.list(h.querier.Domains)).Methods(http.MethodGet)
	v1.HandleFunc("/ip", h.list(h.querier.IPs)).Methods(http.MethodGet)
	v1.HandleFunc("/interface", h.interfaceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/local", h.list(h.querier.Locals)).Methods(http.MethodGet)
	v1.HandleFunc("/remote", h.list(h.querier.Remotes)).Methods(http.MethodGet)
	return r
}

type listFunc func(ctx context.Context, f Filter) ([]Summary, error)

func (h *Handler) list(query listFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := h.filter(w, r)
		if !ok {
			return
		}
		out, err := query(r.Context(), f)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.respond(w, out)
	}
}

func (h *Handler) interfaceHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	out, err := h.querier.Interface(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, out)
}

func (h *Handler) filter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	f, err := ParseFilter(r.URL.Query(), h.now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return Filter{}, false
	}
	return f, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithField("path", r.URL.Path).Error("query failed")
	h.writeError(w, http.StatusInternalServerError, "query failed")
}

func (h *Handler) respond(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to marshal response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	body, _ := json.Marshal(map[string]string{"detail": detail})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Serve runs the API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, log logrus.FieldLogger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}
	log.WithField("addr", ln.Addr().String()).Info("API server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	log.Info("API server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	<-errCh
	return nil
}
