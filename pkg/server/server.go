package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/ttbridge/pkg/database"
)

const (
	metricsLogInterval = 5 * time.Second
	auditPruneInterval = time.Hour
	shutdownTimeout    = 5 * time.Second
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging routes debug output to w
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Server accepts WebSocket clients and gives each one a Session
type Server struct {
	config    ServerConfig
	hub       *Hub
	metrics   *Metrics
	registry  *prometheus.Registry
	db        *database.DB
	upgrader  websocket.Upgrader
	startTime time.Time

	httpServer      *http.Server
	metricsServer   *http.Server
	listener        net.Listener
	metricsListener net.Listener

	// Guards stopping so no session is added to wg once Stop has begun
	mu       sync.Mutex
	stopping bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a server. The audit database is opened when config names one.
func NewServer(config ServerConfig) (*Server, error) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	s := &Server{
		config:    config,
		hub:       NewHub(metrics),
		metrics:   metrics,
		registry:  registry,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	if config.DatabasePath != "" {
		db, err := database.Open(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
	}

	return s, nil
}

// Start opens the public listener and, when enabled, the internal one. It returns
// once both are accepting connections.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.config.MetricsPort > 0 {
		metricsAddr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.MetricsPort))
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
		}
		s.metricsListener = metricsListener
		s.metricsServer = &http.Server{
			Handler:           s.InternalHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health, /links.json) - INTERNAL ONLY", metricsListener.Addr())
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("Bridge listening on %s (/, /ws)", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()

	// Start metrics logging goroutine (log metrics every 5 seconds)
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	if s.db != nil && s.config.AuditRetention > 0 {
		s.wg.Add(1)
		go s.auditPruneLoop()
	}

	return nil
}

// Addr returns the public listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the internal listener address, or nil when disabled
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// PublicHandler serves WebSocket upgrades on / and /ws
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.HandleWebSocket(w, r)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "TeamTalk bridge is running. Connect with a WebSocket client.")
	})
	return mux
}

// InternalHandler serves /metrics, /health and /links.json. Never expose it publicly.
func (s *Server) InternalHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/links.json", s.LinksJSONHandler)
	return mux
}

// HandleWebSocket upgrades the request and starts a session for it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	sess := newSession(s, conn, r.RemoteAddr)
	s.wg.Add(1)
	s.hub.Register(sess)
	s.mu.Unlock()

	s.connectionsSinceReport.Add(1)
	if s.metrics != nil {
		s.metrics.RecordSessionCreated()
	}
	debugLog.Printf("Session %s (%s): connected", sess.ID(), r.RemoteAddr)

	sess.send(statusMessage{Type: TypeStatus, Message: "connected"})
	sess.start()
}

// checkOrigin allows requests without an Origin header, and any origin when the
// allow list is empty or contains "*"
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	debugLog.Printf("Rejected WebSocket origin %q", origin)
	return false
}

type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	AuditLog      bool   `json:"auditLog"`
}

// HealthHandler reports liveness for load balancers and orchestrators
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	select {
	case <-s.shutdown:
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	default:
	}

	writeJSON(w, code, healthResponse{
		Status:        status,
		Sessions:      s.hub.Count(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		AuditLog:      s.db != nil,
	})
}

// LinksJSONHandler serves the link audit log. ?session= narrows it to one
// session (oldest first), otherwise the newest events come first.
func (s *Server) LinksJSONHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}

	limit := database.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		events []database.LinkEvent
		err    error
	)
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		events, err = s.db.ListLinkEvents(sessionID, limit)
	} else {
		events, err = s.db.RecentLinkEvents(limit)
	}
	if err != nil {
		errorLog.Printf("Failed to list link events: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []database.LinkEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debugLog.Printf("Failed to write JSON response: %v", err)
	}
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	// Signal shutdown to all goroutines
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new connections
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("Public HTTP server shutdown: %v", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errorLog.Printf("Metrics server shutdown: %v", err)
		}
	}

	// Close all sessions; each one closes its remote link
	log.Printf("Closing %d client sessions...", s.hub.Count())
	s.hub.CloseAll()

	log.Println("Waiting for sessions and background goroutines to finish...")
	s.wg.Wait()

	if s.db != nil {
		log.Println("Flushing link audit log...")
		if err := s.db.Close(); err != nil {
			log.Printf("Error during database close: %v", err)
			return err
		}
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.hub.Count()
			goroutines := runtime.NumGoroutine()

			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			if connected == 0 && disconnected == 0 && activeSessions == 0 {
				continue
			}

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, connected, disconnected, goroutines)
		}
	}
}

// auditPruneLoop deletes audit entries older than the retention window
func (s *Server) auditPruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()

	// Run once on startup
	s.pruneAuditLog()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pruneAuditLog()
		}
	}
}

func (s *Server) pruneAuditLog() {
	count, err := s.db.PruneLinkEvents(time.Now().Add(-s.config.AuditRetention))
	if err != nil {
		errorLog.Printf("Error pruning link audit log: %v", err)
		return
	}
	if count > 0 {
		log.Printf("Pruned %d expired link audit entries", count)
	}
}
