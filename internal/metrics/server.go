package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	isync "github.com/tonimelisma/inbox-sync/internal/sync"
)

// Server defaults.
const (
	DefaultPushInterval = 5 * time.Second
	writeTimeout        = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Handler serves the liveness read API:
//
//	GET /metrics?namespace_id=<public id>
//	GET /metrics/ws?namespace_id=<public id>
//	GET /health
type Handler struct {
	agg    *Aggregator
	push   time.Duration
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates the API handler. A zero push interval uses
// DefaultPushInterval.
func NewHandler(agg *Aggregator, push time.Duration, logger *slog.Logger) *Handler {
	if push <= 0 {
		push = DefaultPushInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{agg: agg, push: push, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /metrics", h.handleMetrics)
	h.mux.HandleFunc("GET /metrics/ws", h.handleFeed)
	h.mux.HandleFunc("GET /health", h.handleHealth)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	data, err := h.agg.Aggregate(r.Context(), r.URL.Query().Get("namespace_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, data)
}

// handleFeed pushes a fresh snapshot every push interval until the client
// goes away.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace_id")

	first, err := h.agg.Aggregate(r.Context(), ns)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(h.push)
	defer ticker.Stop()

	snapshot := first

	for {
		if err := h.send(ctx, conn, snapshot); err != nil {
			if ctx.Err() == nil {
				h.logger.Debug("metrics feed write failed", slog.String("error", err.Error()))
			}

			return
		}

		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}

		snapshot, err = h.agg.Aggregate(ctx, ns)
		if err != nil {
			h.logger.Warn("metrics feed aggregation failed", slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "aggregation failed")

			return
		}
	}
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, v []AccountHealth) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, isync.ErrNamespaceNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "namespace not found"})
		return
	}

	h.logger.Error("metrics query failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs h on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}

	return serveListener(ctx, ln, h, logger)
}

func serveListener(ctx context.Context, ln net.Listener, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)

	go func() {
		logger.Info("metrics server listening", slog.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: shutting down: %w", err)
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serving: %w", err)
	}

	logger.Info("metrics server stopped")

	return nil
}
