// Package web provides the HTTP status server for the ecucore daemon.
package web

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/status"
)

// Control lets operators cut and restore outputs.
type Control interface {
	Cut(wall time.Time) engine.Event
	Resume(wall time.Time) engine.Event
}

// Server serves the status page over HTTP and pushes status frames to
// websocket clients.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	control    Control

	upgrader  websocket.Upgrader
	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Server that reads state from the given tracker. control may
// be nil, in which case the /api endpoints answer 501.
func New(addr string, tracker *status.Tracker, control Control) *Server {
	s := &Server{
		tracker: tracker,
		control: control,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/cut", s.handleControl(true))
	mux.HandleFunc("/api/resume", s.handleControl(false))

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
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

// Shutdown gracefully shuts down the server and drops websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends the current status to every websocket client. Slow clients
// miss frames rather than blocking the caller.
func (s *Server) Broadcast() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	data := status.FormatStatusEvent(s.tracker.Snapshot(), "", "")
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleControl(cut bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.control == nil {
			http.Error(w, "control not available", http.StatusNotImplemented)
			return
		}
		var ev engine.Event
		if cut {
			ev = s.control.Cut(time.Now())
		} else {
			ev = s.control.Resume(time.Now())
		}
		log.Printf("web: %s requested by %s", ev.Type, r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 16)}
	c.send <- status.FormatStatusEvent(s.tracker.Snapshot(), "", "")

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("web: websocket client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, c)
			n := len(s.clients)
			close(c.send)
			s.clientsMu.Unlock()
			log.Printf("web: websocket client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
