// Package web provides an HTTP status server for the rack-monitor daemon:
// an HTML page, JSON status and event log endpoints, and a websocket feed
// that pushes the status whenever the rack state changes.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/rack-monitor/internal/status"
	"github.com/sweeney/rack-monitor/internal/store"
)

// Default and maximum number of records returned by /events.json.
const (
	defaultEvents = 50
	maxEvents     = store.LogCapacity
)

// EventLog is the read side of the persistent event log.
type EventLog interface {
	Recent(ctx context.Context, n int) ([]store.Record, error)
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	events     EventLog

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	feeds  sync.WaitGroup
}

// New creates a Server that reads state from the given tracker. events may
// be nil, in which case /events.json returns an empty list.
func New(addr string, tracker *status.Tracker, events EventLog) *Server {
	s := &Server{
		tracker: tracker,
		events:  events,
		done:    make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/events.json", s.handleEvents)
	r.Get("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server. Open websocket feeds are sent
// a close frame and Shutdown waits for them to exit or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	feedsDone := make(chan struct{})
	go func() {
		s.feeds.Wait()
		close(feedsDone)
	}()
	select {
	case <-feedsDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// EventsJSON is the /events.json response, newest record first.
type EventsJSON struct {
	Events []store.Record `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := defaultEvents
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxEvents)
	}

	out := EventsJSON{Events: []store.Record{}}
	if s.events != nil {
		recs, err := s.events.Recent(r.Context(), n)
		if err != nil {
			log.Printf("web: event log: %v", err)
			http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
			return
		}
		if recs != nil {
			out.Events = recs
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
