// Package api serves positions, reports and sync runs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/robinfolio/lotsync/internal/feed"
	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/metrics"
	"github.com/robinfolio/lotsync/internal/report"
	"github.com/robinfolio/lotsync/internal/store"
	"github.com/robinfolio/lotsync/internal/syncer"
)

// Syncer is the part of *syncer.Syncer the server uses.
type Syncer interface {
	Run(ctx context.Context, symbols []string) (syncer.Report, error)
	Position(ctx context.Context, symbol string) (ledger.Summary, error)
}

// Server holds the HTTP handlers. Background syncs started with
// "async": true are tracked so Shutdown can wait for them.
type Server struct {
	syncer   Syncer
	hub      *feed.Hub
	symbols  []string
	timeout  time.Duration
	logger   *slog.Logger
	inflight sync.WaitGroup
}

type Option func(*Server)

// WithHub enables GET /api/v1/ws.
func WithHub(h *feed.Hub) Option { return func(s *Server) { s.hub = h } }

// WithDefaultSymbols sets the symbols synced when a request names none.
func WithDefaultSymbols(symbols []string) Option {
	return func(s *Server) { s.symbols = symbols }
}

// WithTimeout bounds read requests. Sync and WebSocket routes are not
// bounded.
func WithTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func NewServer(sy Syncer, opts ...Option) *Server {
	s := &Server{syncer: sy, timeout: 30 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Request/Response types ---

// SyncRequest is the JSON body for POST /api/v1/sync.
type SyncRequest struct {
	Symbols []string `json:"symbols"`
	Async   bool     `json:"async"`
}

// SyncAccepted is returned for async sync requests.
type SyncAccepted struct {
	RunID   string   `json:"run_id"`
	Symbols []string `json:"symbols"`
}

// PositionResponse is the JSON body for GET /api/v1/positions/{symbol}.
type PositionResponse struct {
	Symbol string `json:"symbol"`
	ledger.Summary
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lotsync"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
		r.Post("/sync", s.Sync)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))
			r.Get("/positions/{symbol}", s.GetPosition)
			r.Get("/positions/{symbol}/report", s.GetPositionReport)
		})
	})
	return r
}

// Shutdown waits for background syncs to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- HTTP Handlers ---

// GetPosition handles GET /api/v1/positions/{symbol}
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	sum, ok := s.position(w, r, symbol)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PositionResponse{Symbol: symbol, Summary: sum})
}

// GetPositionReport handles GET /api/v1/positions/{symbol}/report
func (s *Server) GetPositionReport(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	sum, ok := s.position(w, r, symbol)
	if !ok {
		return
	}
	body, err := report.HTML(report.PositionMarkdown(symbol, sum))
	if err != nil {
		writeError(w, "failed to render report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n%s</body></html>\n", html.EscapeString(symbol), body)
}

func (s *Server) position(w http.ResponseWriter, r *http.Request, symbol string) (ledger.Summary, bool) {
	sum, err := s.syncer.Position(r.Context(), symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "no position for "+symbol, http.StatusNotFound)
		return sum, false
	case err != nil:
		s.logger.Error("load position failed", "instrument", symbol, "err", err)
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return sum, false
	}
	return sum, true
}

// Sync handles POST /api/v1/sync
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		symbols = s.symbols
	}
	if len(symbols) == 0 {
		writeError(w, "symbols is required", http.StatusBadRequest)
		return
	}

	if req.Async {
		runID := uuid.New().String()
		ctx := context.WithoutCancel(r.Context())
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			rep, err := s.syncer.Run(ctx, symbols)
			s.logger.Info("background sync finished",
				"run", runID, "instruments", len(rep.Instruments), "failed", rep.Failed(), "err", err)
		}()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(SyncAccepted{RunID: runID, Symbols: symbols})
		return
	}

	rep, err := s.syncer.Run(r.Context(), symbols)
	if err != nil {
		s.logger.Error("sync failed", "symbols", symbols, "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if rep.Failed() > 0 {
		status = http.StatusMultiStatus
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rep)
}

func normalizeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, sym := range in {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
