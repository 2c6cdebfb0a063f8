// Package api exposes the responder state and probe history over HTTP.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parkside-labs/echobench/internal/db"
	"github.com/parkside-labs/echobench/internal/echo"
	"github.com/parkside-labs/echobench/internal/httputil"
	"github.com/parkside-labs/echobench/internal/monitoring"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server serves the echobench HTTP API. The responder is optional: a probe
// history server has no live responder to report on.
type Server struct {
	responder *echo.Responder
	db        *db.DB
}

// NewServer creates a Server over an optional responder and an optional
// result store.
func NewServer(responder *echo.Responder, database *db.DB) *Server {
	return &Server{
		responder: responder,
		db:        database,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Callers typically mount it under /api/.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/command", s.sendHandler)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/exchanges", s.listExchanges)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	status := map[string]any{
		"responder": s.responder != nil,
	}
	if s.responder != nil {
		cfg := s.responder.Config()
		status["policy"] = cfg.Policy.String()
		status["label"] = cfg.Label
		status["state"] = s.responder.State().String()
		status["exchanges"] = s.responder.Exchanges()
		status["uptime_s"] = s.responder.Uptime().Seconds()
	}

	httputil.WriteJSONOK(w, status)
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.responder == nil {
		httputil.NotFound(w, "no responder attached")
		return
	}

	text := strings.TrimSpace(r.FormValue("text"))
	if text == "" {
		httputil.BadRequest(w, "missing text")
		return
	}

	if err := s.responder.Send(text); err != nil {
		httputil.InternalServerError(w, "failed to write to port")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"sent": text})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "no result store attached")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "no result store attached")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		httputil.BadRequest(w, "missing 'session' parameter")
		return
	}

	exchanges, err := s.db.SessionExchanges(sessionID)
	if err != nil {
		httputil.InternalServerError(w, "failed to list exchanges")
		return
	}
	if exchanges == nil {
		exchanges = []db.ExchangeRow{}
	}
	httputil.WriteJSONOK(w, exchanges)
}
