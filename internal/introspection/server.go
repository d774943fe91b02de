// Package introspection exposes a read-only HTTP surface over the
// collector's live state: device/worker status, current values, active
// alarms, and a websocket stream of live value and event updates. Grounded
// on the gateway command's gorilla/mux router composition (health/ready
// routes, versioned API subrouter) found in the rest of the retrieval
// pack, adapted from an HTTP API gateway to a read-only status surface.
package introspection

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/internal/telemetry/events"
	"github.com/pulseone/collector/internal/telemetry/health"
	"github.com/pulseone/collector/rules/alarm"
)

// ValueSource supplies the current value snapshot for the /values route and
// the websocket live stream.
type ValueSource interface {
	GetAll() []domain.CurrentValue
}

// DeviceRegistry reports which devices currently have a running worker.
type DeviceRegistry interface {
	List() []string
}

// Config wires the introspection server's dependencies.
type Config struct {
	ListenAddr string
	Values     ValueSource
	Alarms     *alarm.Engine
	Health     *health.Evaluator
	Events     events.Bus
	Devices    DeviceRegistry
}

// Server is the read-only HTTP/websocket introspection surface.
type Server struct {
	cfg      Config
	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, router: mux.NewRouter()}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	s.routes()
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/values", s.handleValues).Methods(http.MethodGet)
	api.HandleFunc("/alarms", s.handleAlarms).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
}

func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }
func (s *Server) Close() error          { return s.http.Close() }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		writeJSON(w, map[string]string{"status": string(health.StatusHealthy)})
		return
	}
	snap := s.cfg.Health.Evaluate(r.Context())
	if snap.Overall != health.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, snap)
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Values == nil {
		writeJSON(w, []domain.CurrentValue{})
		return
	}
	writeJSON(w, s.cfg.Values.GetAll())
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Alarms == nil {
		writeJSON(w, []domain.AlarmOccurrence{})
		return
	}
	writeJSON(w, s.cfg.Alarms.Active())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Devices == nil {
		writeJSON(w, []interface{}{})
		return
	}
	out := make([]map[string]string, 0)
	for _, id := range s.cfg.Devices.List() {
		out = append(out, map[string]string{"device": id})
	}
	writeJSON(w, out)
}

// handleStream pushes a live value snapshot over a websocket every second
// and forwards events from the event bus as they happen.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sub events.Subscription
	if s.cfg.Events != nil {
		sub, _ = s.cfg.Events.Subscribe(32)
		if sub != nil {
			defer s.cfg.Events.Unsubscribe(sub)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var eventCh <-chan events.Event
	if sub != nil {
		eventCh = sub.C()
	}

	for {
		select {
		case <-ticker.C:
			if s.cfg.Values == nil {
				continue
			}
			if err := conn.WriteJSON(map[string]interface{}{"type": "values", "values": s.cfg.Values.GetAll()}); err != nil {
				return
			}
		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			if err := conn.WriteJSON(map[string]interface{}{"type": "event", "event": ev}); err != nil {
				return
			}
		}
	}
}
