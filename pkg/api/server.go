// Package api is the HTTP gateway: webhook ingestion, health and
// status endpoints, and a WebSocket stream of live bot events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/botloom/loom/pkg/bus"
	"github.com/botloom/loom/pkg/config"
	"github.com/botloom/loom/pkg/controller"
	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
)

const component = "api"

// Server is the gateway HTTP server.
type Server struct {
	cfg       config.GatewayConfig
	ctl       *controller.Controller
	events    domain.EventBus
	wsHub     *WSHub
	bridge    *EventBridge
	startTime time.Time
	server    *http.Server
}

// NewServer creates a gateway server bound to a controller.
func NewServer(cfg config.GatewayConfig, ctl *controller.Controller, events domain.EventBus) *Server {
	s := &Server{
		cfg:       cfg,
		ctl:       ctl,
		events:    events,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s.statusSnapshot)
	s.bridge = NewEventBridge(ctl.Bus(), events, s.wsHub)
	return s
}

// Start begins listening on the configured address. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/system/status", s.handleStatus)

	// Webhook ingestion (slash commands, outgoing webhooks, plain posts)
	mux.HandleFunc("/api/webhook/{platform}", s.handleWebhook)

	// WebSocket for live events
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF(component, "Gateway starting", map[string]interface{}{
		"addr": s.cfg.Addr,
	})

	go s.wsHub.Run(ctx)
	go s.bridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF(component, "Gateway error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) statusSnapshot() map[string]interface{} {
	uptime := time.Since(s.startTime)
	return map[string]interface{}{
		"uptime_seconds":       int(uptime.Seconds()),
		"uptime_human":         formatDuration(uptime),
		"active_conversations": s.ctl.Engine().ActiveCount(),
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// systemEvent publishes an observability event onto the bus.
func (s *Server) systemEvent(eventType, source string, data interface{}) {
	s.ctl.Bus().PublishSystem(bus.SystemEvent{Type: eventType, Source: source, Data: data})
}
