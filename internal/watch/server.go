// Package watch serves session state, control endpoints and a live event
// stream over HTTP.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/session"
)

// Controls maps live session ids to their control surfaces.
type Controls struct {
	mu       sync.RWMutex
	surfaces map[string]*control.Surface
}

// NewControls creates an empty set.
func NewControls() *Controls {
	return &Controls{surfaces: make(map[string]*control.Surface)}
}

// Add registers a live session. The returned func removes it.
func (c *Controls) Add(id string, s *control.Surface) func() {
	c.mu.Lock()
	c.surfaces[id] = s
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.surfaces[id] == s {
			delete(c.surfaces, id)
		}
		c.mu.Unlock()
	}
}

// Get returns the surface of a live session.
func (c *Controls) Get(id string) (*control.Surface, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.surfaces[id]
	return s, ok
}

// Live returns the ids of live sessions, sorted.
func (c *Controls) Live() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.surfaces))
	for id := range c.surfaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Server is the watch HTTP server.
type Server struct {
	store    *session.Store
	controls *Controls
	hub      *events.Hub
	router   chi.Router
	logger   *logging.Logger

	// AllowedOrigins is passed to the websocket handshake.
	AllowedOrigins []string
}

// New creates a server. hub may be nil, which disables the event stream.
func New(store *session.Store, controls *Controls, hub *events.Hub) *Server {
	s := &Server{
		store:    store,
		controls: controls,
		hub:      hub,
		logger:   logging.New().WithComponent("watch"),
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/{id}", s.getSession)
		r.Get("/{id}/events", s.streamEvents)
		r.Post("/{id}/{signal}", s.signal)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("watch server listening", map[string]interface{}{"addr": addr})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type sessionSummary struct {
	session.Session
	Live bool `json:"live"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, meta := range list {
		_, live := s.controls.Get(meta.ID)
		out = append(out, sessionSummary{Session: meta, Live: live})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := session.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.store.Load(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	resp := map[string]interface{}{
		"session":  snap.Session,
		"messages": snap.Messages,
		"todos":    snap.Todos,
	}
	if surface, ok := s.controls.Get(id); ok {
		resp["control"] = surface.State()
		resp["live"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "signal")
	surface, ok := s.controls.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no live session "+id)
		return
	}
	err := surface.Send(name)
	var unknown *control.UnknownSignalError
	switch {
	case errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, control.ErrClosed):
		writeError(w, http.StatusConflict, "session is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("control signal", map[string]interface{}{
		"session":    id,
		"signal":     name,
		"request_id": chiMiddleware.GetReqID(r.Context()),
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session": id,
		"signal":  name,
		"state":   surface.State(),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	if err := session.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "stream ended")

	// Clients never send; CloseRead handles control frames and cancels on close.
	ctx := ws.CloseRead(r.Context())
	ch, cancel := s.hub.Subscribe(id, events.DefaultBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			done()
			if err != nil {
				return
			}
			if e.Type == events.Finish && e.SessionID == id {
				ws.Close(websocket.StatusNormalClosure, "session finished")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
