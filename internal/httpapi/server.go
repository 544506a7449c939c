// Package httpapi serves the fleet over HTTP: a JSON API, an SSE stream, a
// WebSocket stream and /metrics.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/store"
	"github.com/ankittk/lanekeeper/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
// Call this for requests that have a body (e.g. POST, PUT, PATCH) before decoding JSON.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows any origin in dev mode (a visualizer served from another port).
func corsMiddleware(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	}).Handler(next)
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr           string
	Dev            bool
	APIKey         string             // if set, require X-API-Key header or query api_key
	Fleet          *fleet.Coordinator // required
	Store          store.Store        // optional; enables archived task listing and /events
	MetricsHandler http.Handler       // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool               // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server, the stream hub and the fleet it serves.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	Fleet  *fleet.Coordinator
	Store  store.Store
}

// NewApp creates the HTTP app and registers all routes. Feed fleet events to
// App.Hub (it is an events.Sink) to populate /stream and /ws.
func NewApp(opts ServerOptions) (*App, error) {
	if opts.Fleet == nil {
		return nil, errors.New("httpapi: fleet coordinator required")
	}
	app := &App{Hub: NewSSEHub(), Fleet: opts.Fleet, Store: opts.Store}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "paused": app.Fleet.Paused()})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handleTextMetrics)
	}

	mux.HandleFunc("/stream", app.Hub.Handler())
	mux.HandleFunc("/ws", app.Hub.WebSocketHandler())

	mux.HandleFunc("/tasks", app.handleTasks)
	mux.HandleFunc("/tasks/", app.handleTask)
	mux.HandleFunc("/agents", app.handleAgents)
	mux.HandleFunc("/agents/", app.handleAgent)
	mux.HandleFunc("/fleet/stop", app.handleStop)
	mux.HandleFunc("/fleet/resume", app.handleResume)
	mux.HandleFunc("/fleet/report", app.handleReport)
	mux.HandleFunc("/reservations", app.handleReservations)
	mux.HandleFunc("/map", app.handleMap)
	mux.HandleFunc("/path", app.handlePath)
	mux.HandleFunc("/events", app.handleEvents)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "lanekeeper")
	}
	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	app.Server.RegisterOnShutdown(app.Hub.Close)
	return app, nil
}

// responseRecorder captures status code for logging and forwards Flusher and Hijacker if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// statusFor maps fleet and graph errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrTaskNotFound), errors.Is(err, fleet.ErrAgentNotFound),
		errors.Is(err, navgraph.ErrNoPathFound), errors.Is(err, navgraph.ErrNoAlternateFound):
		return http.StatusNotFound
	case errors.Is(err, navgraph.ErrUnknownVertex):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrNoAgents), errors.Is(err, fleet.ErrAgentExists), errors.Is(err, fleet.ErrVertexOccupied),
		errors.Is(err, fleet.ErrTaskFinished), errors.Is(err, fleet.ErrNotBlocked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSONError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}
