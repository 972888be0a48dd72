// Package status defines the proxy's HTTP status server and API.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"goji.io"
	"goji.io/pat"

	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/proxy"
)

// Server is an http.Handler that serves the status endpoints.
type Server struct {
	*goji.Mux
	co      *proxy.Coordinator
	counter *events.Counter
}

// New creates a Server.
func New(co *proxy.Coordinator, counter *events.Counter) Server {
	s := Server{
		Mux:     goji.NewMux(),
		co:      co,
		counter: counter,
	}
	s.Handle(pat.Get("/healthz"), http.HandlerFunc(s.healthz))
	s.Handle(pat.Get("/status"), http.HandlerFunc(s.status))
	s.Handle(pat.Get("/connections"), http.HandlerFunc(s.connections))
	return s
}

// StatusResponse is the JSON structure returned by GET /status.
type StatusResponse struct {
	UptimeSeconds     int64                  `json:"uptime_seconds"`
	ActiveConnections int                    `json:"active_connections"`
	SecurityEvents    map[events.Kind]uint64 `json:"security_events"`
}

// ConnectionDescription is a JSON structure describing one connection.
type ConnectionDescription struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	MessagesIn  uint64    `json:"messages_in"`
	MessagesOut uint64    `json:"messages_out"`
	Violations  uint64    `json:"violations"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := StatusResponse{
		UptimeSeconds:     int64(s.co.Uptime() / time.Second),
		ActiveConnections: s.co.ActiveConnections(),
		SecurityEvents:    s.counter.Totals(),
	}
	writeJSON(w, &out)
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	out := []ConnectionDescription{} // non-null empty list
	for _, rec := range s.co.Connections() {
		in, msgsOut, violations := rec.Client.Stats()
		out = append(out, ConnectionDescription{
			ID:          rec.ID,
			CreatedAt:   rec.CreatedAt,
			MessagesIn:  in,
			MessagesOut: msgsOut,
			Violations:  violations,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		w.WriteHeader(http.StatusBadGateway)
	}
}
