// Package api provides the HTTP API server, router, auth, and SSE event streaming.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanprov/lanprovd/internal/config"
	"github.com/lanprov/lanprovd/internal/service"
)

// Server is the HTTP API server for lanprovd.
type Server struct {
	svc        *service.Service
	cfg        config.APIConfig
	logger     *slog.Logger
	router     *mux.Router
	httpServer *http.Server
	auth       *AuthMiddleware
	sseHub     *SSEHub
	startTime  time.Time
	hubOnce    sync.Once
}

// NewServer creates a new API server over svc.
func NewServer(svc *service.Service, cfg config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		cfg:       cfg,
		logger:    logger,
		auth:      NewAuthMiddleware(cfg.AuthTokenHash, logger),
		sseHub:    NewSSEHub(svc.Bus(), logger),
		startTime: time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler and starts the SSE hub.
func (s *Server) Handler() http.Handler {
	s.startHub()
	return s.router
}

func (s *Server) startHub() {
	s.hubOnce.Do(s.sseHub.Start)
}

// Listen binds the API server to its configured address and starts the SSE hub.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.cfg.Listen, err)
	}

	s.startHub()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.sseHub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// routes builds the router for every API endpoint.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.Use(metricsMiddleware)

	// Prometheus metrics and health (no auth)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET").Name("metrics")
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET").Name("health")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)

	v1.HandleFunc("/status", s.handleStatus).Methods("GET").Name("status")
	v1.HandleFunc("/interfaces", s.handleInterfaces).Methods("GET").Name("interfaces")
	v1.HandleFunc("/events", s.handleSSE).Methods("GET").Name("events")

	// DHCP
	v1.HandleFunc("/dhcp/start", s.handleStartDHCP).Methods("POST").Name("dhcp_start")
	v1.HandleFunc("/dhcp/stop", s.handleStopDHCP).Methods("POST").Name("dhcp_stop")
	v1.HandleFunc("/leases", s.handleListLeases).Methods("GET").Name("leases")
	v1.HandleFunc("/leases/{mac}", s.handleAssignLease).Methods("PUT").Name("lease_assign")
	v1.HandleFunc("/leases/{mac}", s.handleReleaseLease).Methods("DELETE").Name("lease_release")
	v1.HandleFunc("/leases/{mac}/renew", s.handleRenewLease).Methods("POST").Name("lease_renew")
	v1.HandleFunc("/pending", s.handlePending).Methods("GET").Name("pending")

	// Devices; registered before {id} so the batch path wins.
	v1.HandleFunc("/devices", s.handleListDevices).Methods("GET").Name("devices")
	v1.HandleFunc("/devices/config", s.handleSaveConfigs).Methods("POST").Name("devices_config")
	v1.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET").Name("device")
	v1.HandleFunc("/devices/{id}/config", s.handleSendConfig).Methods("POST").Name("device_send_config")
	v1.HandleFunc("/devices/{id}/config", s.handleReadConfig).Methods("GET").Name("device_read_config")
	v1.HandleFunc("/devices/{id}/reboot", s.handleReboot).Methods("POST").Name("device_reboot")
	v1.HandleFunc("/devices/{id}/upgrade", s.handleUpgrade).Methods("POST").Name("device_upgrade")
	v1.HandleFunc("/devices/{id}/mqtt", s.handleConnectMQTT).Methods("POST").Name("device_mqtt")

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		JSONError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	// The subrouter reports its own misses.
	for _, router := range []*mux.Router{r, v1} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = notAllowed
	}
	return r
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
