// Package server exposes subscriptions, ad-hoc checks and scheduler state
// over HTTP. Checks stream as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/scheduler"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// Core is the application surface served over HTTP.
type Core interface {
	List() []storage.Subscription
	Get(owner, repo string) (storage.Subscription, error)
	Add(ctx context.Context, sub storage.Subscription) error
	Update(ctx context.Context, owner, repo string, patch storage.Patch) (storage.Subscription, error)
	Remove(ctx context.Context, owner, repo string) error
	CheckNow(ctx context.Context, sub storage.Subscription, override *frequency.Interval, h events.Handler) (*report.Report, error)
	StreamHackerNews(ctx context.Context, h events.Handler) (*report.Report, error)
	Tasks() []scheduler.TaskInfo
}

// Server is the HTTP API.
type Server struct {
	core   Core
	router chi.Router
	http   *http.Server
}

// New builds the router for core.
func New(core Core, addr string) *Server {
	s := &Server{core: core}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/subscriptions", s.listSubscriptions)
			r.Post("/subscriptions", s.addSubscription)
			r.Patch("/subscriptions/{repo}", s.updateSubscription)
			r.Delete("/subscriptions/{owner}/{repo}", s.removeSubscription)
			r.Get("/scheduler/tasks", s.listTasks)
		})
		// Streams run as long as generation takes.
		r.Get("/subscriptions/{owner}/{repo}/check", s.check)
		r.Get("/hackernews", s.hackerNews)
	})
	return r
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		logger.Info().Str("address", s.http.Addr).Msg("Starting HTTP server")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.List())
}

type subscriptionRequest struct {
	Owner      string               `json:"owner"`
	Repo       string               `json:"repo"`
	Frequency  *frequency.Frequency `json:"frequency"`
	EventTypes []string             `json:"eventTypes"`
}

func (req subscriptionRequest) subscription() (storage.Subscription, error) {
	owner, repo := req.Owner, req.Repo
	if owner == "" {
		var err error
		if owner, repo, err = storage.ParseRepo(req.Repo); err != nil {
			return storage.Subscription{}, err
		}
	}
	sub := storage.Subscription{Owner: owner, Repo: repo, Frequency: frequency.Daily()}
	if req.Frequency != nil {
		sub.Frequency = *req.Frequency
	}
	if len(req.EventTypes) > 0 {
		types, err := storage.ParseEventTypes(req.EventTypes)
		if err != nil {
			return storage.Subscription{}, err
		}
		sub.EventTypes = types
	} else {
		sub.EventTypes = storage.DefaultEvents()
	}
	return sub, sub.Validate()
}

func (s *Server) addSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body: %v", err))
		return
	}
	sub, err := req.subscription()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Add(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type patchRequest struct {
	Frequency  *frequency.Frequency `json:"frequency"`
	EventTypes []string             `json:"eventTypes"`
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body: %v", err))
		return
	}
	patch := storage.Patch{Frequency: req.Frequency}
	if len(req.EventTypes) > 0 {
		types, err := storage.ParseEventTypes(req.EventTypes)
		if err != nil {
			writeError(w, err)
			return
		}
		patch.EventTypes = types
	}

	sub, err := s.core.Update(r.Context(), r.URL.Query().Get("owner"), chi.URLParam(r, "repo"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) removeSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Remove(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "repo")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Tasks())
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	owner, repo := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")

	var override *frequency.Interval
	if raw := r.URL.Query().Get("range"); raw != "" {
		iv, err := frequency.ParseRange(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		override = &iv
	}

	sub, err := s.core.Get(owner, repo)
	if errors.Is(err, errs.ErrNotFound) {
		sub = storage.Subscription{Owner: owner, Repo: repo, Frequency: frequency.Daily()}
	}

	stream := newEventStream(w)
	_, err = s.core.CheckNow(r.Context(), sub, override, stream.send)
	stream.finish(err)
}

func (s *Server) hackerNews(w http.ResponseWriter, r *http.Request) {
	stream := newEventStream(w)
	_, err := s.core.StreamHackerNews(r.Context(), stream.send)
	stream.finish(err)
}

// eventStream writes generation events as server-sent events. Headers are
// sent with the first event so that errors raised before any output still
// get a proper status code.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	f, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: f}
}

func (es *eventStream) send(ev events.Event) {
	if !es.started {
		h := es.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		es.w.WriteHeader(http.StatusOK)
		es.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error().Err(err).Str("task_id", ev.TaskID).Msg("Failed to encode event")
		return
	}
	fmt.Fprintf(es.w, "event: %s\ndata: %s\n\n", ev.Type, data)
	if es.flusher != nil {
		es.flusher.Flush()
	}
}

// finish reports err when nothing was streamed. Once streaming started the
// complete event already carries the error.
func (es *eventStream) finish(err error) {
	if err != nil && !es.started {
		writeError(es.w, err)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Streamed generation ended with error")
	}
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, errs.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, errs.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, errs.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	default:
		logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}
