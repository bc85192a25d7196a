// Package httpx assembles the HTTP handler tree of the host API.
package httpx

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ctrlsam/rigour/pkg/config"
	"github.com/ctrlsam/rigour/pkg/server/api"
	v1 "github.com/ctrlsam/rigour/pkg/server/api/v1"
)

// NewRouter mounts the probes and the v1 API and wraps them with panic
// recovery, CORS headers and request logging.
func NewRouter(cfg config.ServerConfig, deps *api.Deps) http.Handler {
	logger := log.With().Str("component", "httpx.router").Logger()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", HealthzHandler)
	mux.Handle("GET /readyz", v1.ReadyzHandler(deps.Ready))

	if deps.Store == nil {
		logger.Warn().Msg("Host store not provided - API routes answer with errors")
	}
	mux.Handle("GET /api/v1/hosts", v1.ListHostsHandler(deps))
	mux.Handle("GET /api/v1/hosts/{ip}", v1.GetHostHandler(deps))

	logger.Debug().Str("addr", cfg.ListenAddr()).Msg("Routes mounted")

	return recoverer(cors(requestLogger(mux)))
}

// HealthzHandler reports liveness.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := zerolog.DebugLevel
		if rec.status >= 500 {
			level = zerolog.WarnLevel
		}
		log.WithLevel(level).
			Str("component", "httpx").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				log.Error().
					Str("component", "httpx").
					Str("path", r.URL.Path).
					Interface("panic", rv).
					Msg("Recovered from handler panic")
				api.WriteJSONError(w, http.StatusInternalServerError, "Internal Server Error", "INTERNAL_ERROR", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
