package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/CZERTAINLY/tracecheck/internal/history"
)

const defaultLimit = 100

// NewStatusHandler serves the run history:
//
//	GET /api/runs?case=<id>&limit=<n>
//	GET /api/runs/{case}?limit=<n>
//	GET /api/run/{id}
//	GET /api/flaky
func NewStatusHandler(store *history.Store) http.Handler {
	h := statusHandler{store: store}
	r := mux.NewRouter()
	r.HandleFunc("/api/runs", h.runs).Methods(http.MethodGet)
	r.HandleFunc("/api/runs/{case}", h.runs).Methods(http.MethodGet)
	r.HandleFunc("/api/run/{id}", h.run).Methods(http.MethodGet)
	r.HandleFunc("/api/flaky", h.flaky).Methods(http.MethodGet)
	return r
}

type statusHandler struct {
	store *history.Store
}

func (h statusHandler) runs(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["case"]
	if caseID == "" {
		caseID = r.URL.Query().Get("case")
	}
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.store.Runs(r.Context(), caseID, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, r, runs)
}

func (h statusHandler) run(w http.ResponseWriter, r *http.Request) {
	run, ok, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		internalError(w, r, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, r, run)
}

func (h statusHandler) flaky(w http.ResponseWriter, r *http.Request) {
	flakes, err := h.store.Flaky(r.Context())
	if err != nil {
		internalError(w, r, err)
		return
	}
	if flakes == nil {
		flakes = []history.Flake{}
	}
	writeJSON(w, r, flakes)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(r.Context(), "writing status response", "error", err)
	}
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "status request failed", "path", r.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// StatusServer serves NewStatusHandler on a TCP address.
type StatusServer struct {
	ln  net.Listener
	srv *http.Server
}

func ListenStatus(addr string, store *history.Store) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StatusServer{
		ln: ln,
		srv: &http.Server{
			Handler:           NewStatusHandler(store),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *StatusServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until ctx is cancelled.
func (s *StatusServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
	})
	defer stop()

	slog.InfoContext(ctx, "status server listening", "addr", s.ln.Addr().String())
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
