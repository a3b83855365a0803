package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/safewatch/backend/internal/alert"
	"github.com/safewatch/backend/internal/ingress"
	"github.com/safewatch/backend/internal/session"
)

// Server exposes the websocket stream and the REST control surface.
type Server struct {
	store          *session.Store
	hub            *Hub
	ingress        *ingress.Ingress
	dispatcher     *alert.Dispatcher
	deviceID       string
	notifierNames  []string
	frontend       http.Handler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(store *session.Store, hub *Hub, in *ingress.Ingress, dispatcher *alert.Dispatcher, deviceID string, notifierNames []string, frontend http.Handler, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		store:          store,
		hub:            hub,
		ingress:        in,
		dispatcher:     dispatcher,
		deviceID:       deviceID,
		notifierNames:  notifierNames,
		frontend:       frontend,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/sos", s.handleSOS)
	mux.HandleFunc("/api/resolve", s.handleResolve)

	if s.frontend != nil {
		mux.Handle("/", s.frontend)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("observer connected: %s", r.RemoteAddr)
	o := s.hub.Add(conn)

	go func() {
		defer func() {
			s.hub.remove(o)
			log.Printf("observer disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// hostStats is best-effort host telemetry for the status endpoint.
type hostStats struct {
	MemUsedPercent float64 `json:"memUsedPercent,omitempty"`
	Load1          float64 `json:"load1,omitempty"`
}

func collectHostStats() hostStats {
	var hs hostStats
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		hs.Load1 = avg.Load1
	}
	return hs
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	snap, running := s.store.Snapshot()

	resp := map[string]interface{}{
		"running":           running,
		"session":           snap,
		"observers":         s.hub.ObserverCount(),
		"degradedObservers": s.hub.DegradedCount(),
		"notifiers":         s.notifierNames,
		"pendingAlerts":     s.dispatcher.PendingCount(),
		"host":              collectHostStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": s.store.Events(limit),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tasks": s.dispatcher.Tasks(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.store.Start(s.deviceID) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false, "message": "already running",
		})
		return
	}

	log.Printf("monitoring started: %s", s.deviceID)
	s.hub.BroadcastSnapshot()
	s.hub.PublishStatus(true, session.Monitoring.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "message": "monitoring started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	final, ok := s.store.Stop()
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false, "message": "not running",
		})
		return
	}

	// Pending alert deliveries for this session are abandoned; finished
	// ones stay in the task history.
	s.dispatcher.CancelSession(final.ID)

	log.Printf("monitoring stopped: %s (%d events)", final.ID, final.LastSeq)
	s.hub.BroadcastSnapshot()
	s.hub.PublishStatus(false, session.Idle.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "message": "monitoring stopped",
	})
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ev := session.NewEvent(session.ManualSOS)
	if snap, ok := s.store.Snapshot(); ok && snap.Position != nil {
		p := *snap.Position
		ev.Position = &p
	}

	ack, err := s.ingress.Submit(ev)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false, "message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "seq": ack.Seq,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.store.Resolve() {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false, "message": "no alert to resolve",
		})
		return
	}

	log.Printf("alert resolved by operator")
	s.hub.BroadcastSnapshot()
	s.hub.PublishStatus(true, session.Monitoring.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "message": "alert resolved",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-SafeWatch-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
