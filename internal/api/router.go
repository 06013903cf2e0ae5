// Package api wires the HTTP surface: vendor webhooks, the media stream
// WebSocket endpoint, and the call management REST API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Router wraps the chi router with the application routes
type Router struct {
	router  chi.Router
	handler *Handler
	logger  *logger.Logger
}

// NewRouter creates a new router with all application routes registered
func NewRouter(handler *Handler, log *logger.Logger) *Router {
	r := &Router{
		router:  chi.NewRouter(),
		handler: handler,
		logger:  log.Named("router"),
	}
	r.setupRoutes()
	return r
}

// ServeHTTP implements the http.Handler interface
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	r.router.Use(middleware.RequestID)
	r.router.Use(middleware.RealIP)
	r.router.Use(r.requestLogger)
	r.router.Use(middleware.Recoverer)

	r.router.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(60 * time.Second))

		api.Get("/health", r.handler.GetHealth)

		// Vendor webhooks. Signature verification happens in the handlers
		// because it needs the raw body.
		api.Route("/webhooks/{provider}", func(hooks chi.Router) {
			hooks.Post("/incoming", r.handler.IncomingCall)
			hooks.Post("/status", r.handler.CallStatus)
		})

		api.Route("/calls", func(calls chi.Router) {
			calls.Post("/", r.handler.CreateCall)
			calls.Get("/", r.handler.GetCalls)
			calls.Route("/{sid}", func(call chi.Router) {
				call.Get("/", r.handler.GetCall)
				call.Post("/hangup", r.handler.HangupCall)
				call.Post("/whisper", r.handler.WhisperCall)
				call.Post("/transfer", r.handler.TransferCall)
				call.Get("/recording", r.handler.GetRecording)
			})
		})
	})

	// The vendor's media infrastructure connects here after receiving the
	// stream document. No timeout middleware: the socket lives for the
	// duration of the call.
	r.router.Get("/ws/media-stream", r.handler.MediaStream)
}

// requestLogger logs each request with method, path, status and duration
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

		next.ServeHTTP(ww, req)

		r.logger.Debug("HTTP request",
			logger.String("method", req.Method),
			logger.String("path", req.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)))
	})
}
