package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/metrics"
)

const (
	sseBusBuffer    = 500
	sseClientBuffer = 256
	sseKeepAlive    = 30 * time.Second
)

// sseClient is a connected SSE client with a buffered send channel.
type sseClient struct {
	send   chan []byte
	filter map[events.EventType]bool
}

func (c *sseClient) wants(t events.EventType) bool {
	return len(c.filter) == 0 || c.filter[t]
}

// SSEHub fans bus events out to Server-Sent Event connections.
type SSEHub struct {
	bus      *events.Bus
	logger   *slog.Logger
	clients  map[*sseClient]struct{}
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewSSEHub creates a new SSE hub.
func NewSSEHub(bus *events.Bus, logger *slog.Logger) *SSEHub {
	return &SSEHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*sseClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the event bus and broadcasts in the background until Stop.
func (h *SSEHub) Start() {
	ch := h.bus.Subscribe(sseBusBuffer)
	go h.run(ch)
}

func (h *SSEHub) run(ch chan events.Event) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.broadcast(evt.Type, data)
		case <-h.done:
			h.bus.Unsubscribe(ch)
			return
		}
	}
}

// Stop shuts down the hub and closes all client channels. Safe to call more than once.
func (h *SSEHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
			metrics.SSEConnections.Dec()
		}
	})
}

// Clients returns the number of connected clients.
func (h *SSEHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast sends data to every client subscribed to t.
func (h *SSEHub) broadcast(t events.EventType, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(t) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow client, disconnect
			close(client.send)
			delete(h.clients, client)
			metrics.SSEConnections.Dec()
		}
	}
}

func (h *SSEHub) addClient(c *sseClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.SSEConnections.Inc()
}

func (h *SSEHub) removeClient(c *sseClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
		metrics.SSEConnections.Dec()
	}
	h.mu.Unlock()
}

// handleSSE streams events to the client via Server-Sent Events. Repeated
// type query parameters restrict the stream to those event types.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	client := &sseClient{send: make(chan []byte, sseClientBuffer)}
	for _, t := range r.URL.Query()["type"] {
		et := events.EventType(t)
		if !et.Valid() {
			JSONError(w, http.StatusBadRequest, "invalid_event_type", fmt.Sprintf("unknown event type %q", t))
			return
		}
		if client.filter == nil {
			client.filter = make(map[events.EventType]bool)
		}
		client.filter[et] = true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.sseHub.addClient(client)
	defer s.sseHub.removeClient(client)

	s.logger.Debug("SSE client connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
