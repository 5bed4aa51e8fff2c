// Package worker exposes the WebSocket endpoint background workers
// register with. The engine pushes control messages to workers; the
// only message workers act on today is the cache-refresh request sent
// after a reconciliation pass.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of worker control message
type MessageType string

const (
	// MessageTypeRefreshCache asks workers to discard and rebuild their
	// response caches after the local state changed.
	MessageTypeRefreshCache MessageType = "REFRESH_CACHE"

	// MessageTypeOnline announces that connectivity was regained.
	MessageTypeOnline MessageType = "ONLINE"

	// MessageTypeOffline announces that connectivity was lost.
	MessageTypeOffline MessageType = "OFFLINE"
)

// Message represents a worker control message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hub manages worker WebSocket connections and broadcasts control
// messages to them. Broadcasting with zero connected workers is a
// no-op.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// WebSocket worker management
	workers   map[*websocket.Conn]bool
	workersMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Logging
	logger *log.Logger
}

// Config holds hub configuration
type Config struct {
	// Addr to listen on (default: ":8990")
	Addr string

	// Logger for hub activity (default: log.Default())
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8990",
		Logger: log.Default(),
	}
}

// NewHub creates a new worker hub
func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8990"
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		addr:      config.Addr,
		workers:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Worker hub listening on %s", h.addr)
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Hub server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the hub
func (h *Hub) Stop() error {
	h.logger.Println("Stopping worker hub")

	h.cancel()

	h.workersMu.Lock()
	for conn := range h.workers {
		_ = conn.Close(websocket.StatusGoingAway, "Hub shutting down")
		delete(h.workers, conn)
	}
	h.workersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	h.wg.Wait()

	h.logger.Println("Worker hub stopped")
	return nil
}

// RefreshCache asks every connected worker to rebuild its cache.
func (h *Hub) RefreshCache() {
	h.Broadcast(Message{Type: MessageTypeRefreshCache})
}

// Broadcast sends a message to all connected workers
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
		return
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message delivery to all workers
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.workersMu.RLock()
			workers := make([]*websocket.Conn, 0, len(h.workers))
			for conn := range h.workers {
				workers = append(workers, conn)
			}
			h.workersMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts
			for _, conn := range workers {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send to worker: %v", err)
					h.removeWorker(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.workersMu.Lock()
	h.workers[conn] = true
	workerCount := len(h.workers)
	h.workersMu.Unlock()

	h.logger.Printf("Worker connected (total: %d)", workerCount)

	go h.readLoop(conn)
}

// readLoop keeps the connection alive and handles worker disconnects
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeWorker(conn)

	for {
		_, _, err := conn.Read(h.ctx)
		if err != nil {
			return
		}
		// Workers don't send anything we act on; reads only detect
		// disconnects.
	}
}

// removeWorker safely removes a worker connection
func (h *Hub) removeWorker(conn *websocket.Conn) {
	h.workersMu.Lock()
	if _, exists := h.workers[conn]; exists {
		delete(h.workers, conn)
		workerCount := len(h.workers)
		h.workersMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Worker disconnected (total: %d)", workerCount)
	} else {
		h.workersMu.Unlock()
	}
}

// handleHealth returns hub health status
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.workersMu.RLock()
	workerCount := len(h.workers)
	h.workersMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"workers": workerCount,
	})
}

// GetAddr returns the hub's listening address
func (h *Hub) GetAddr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// WorkerCount returns the current number of connected workers
func (h *Hub) WorkerCount() int {
	h.workersMu.RLock()
	defer h.workersMu.RUnlock()
	return len(h.workers)
}
