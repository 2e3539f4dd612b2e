package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RunEvent represents a real-time event on the /ws/gvt stream: a GVT
// advance, a rollback, a clone/branch decision, or a fossil-collection
// commit.
type RunEvent struct {
	Type      string                 `json:"type"` // "gvt_advance", "rollback", "clone_initiated", "commit"
	RunID     string                 `json:"run_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// PEData represents one PE's live state for the monitor's PE topology view.
type PEData struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Status      string  `json:"status"` // "idle", "running", "busy", "finalized"
	LocalGVT    float64 `json:"local_gvt,omitempty"`
	QueueDepth  int     `json:"queue_depth,omitempty"`
}

// ForkEdge represents a clone/branch transfer from a source PE to a
// destination PE, drawn on the monitor's topology view.
type ForkEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Status string `json:"status"` // "active", "complete"
}

// GVTStreamer manages WebSocket connections for live runner state: GVT
// advances, rollbacks, and clone/branch transfers.
type GVTStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan RunEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewGVTStreamer creates a new GVT/clone-event streamer
func NewGVTStreamer() *GVTStreamer {
	return &GVTStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan RunEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local monitoring
			},
		},
	}
}

// Run starts the WebSocket hub
func (gs *GVTStreamer) Run() {
	for {
		select {
		case client := <-gs.register:
			gs.mu.Lock()
			gs.clients[client] = true
			gs.mu.Unlock()
			log.Printf("websocket client connected (total: %d)", len(gs.clients))

		case client := <-gs.unregister:
			gs.mu.Lock()
			if _, ok := gs.clients[client]; ok {
				delete(gs.clients, client)
				client.Close()
			}
			gs.mu.Unlock()
			log.Printf("websocket client disconnected (total: %d)", len(gs.clients))

		case event := <-gs.broadcast:
			gs.mu.RLock()
			for client := range gs.clients {
				err := client.WriteJSON(event)
				if err != nil {
					log.Printf("websocket write error: %v", err)
					client.Close()
					delete(gs.clients, client)
				}
			}
			gs.mu.RUnlock()
		}
	}
}

// HandleWebSocket handles WebSocket connections
func (gs *GVTStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := gs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	gs.register <- conn

	// Keep connection alive
	go func() {
		defer func() {
			gs.unregister <- conn
		}()

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent sends an event to all connected clients
func (gs *GVTStreamer) BroadcastEvent(event RunEvent) {
	event.Timestamp = time.Now()
	gs.broadcast <- event
}

// StreamGVTAdvance broadcasts a completed two-phase GVT reduction.
func (gs *GVTStreamer) StreamGVTAdvance(runID string, gvt float64) {
	gs.BroadcastEvent(RunEvent{
		Type:  "gvt_advance",
		RunID: runID,
		Data: map[string]interface{}{
			"gvt": gvt,
		},
	})
}

// StreamRollback broadcasts a straggler-triggered rollback on one PE.
func (gs *GVTStreamer) StreamRollback(runID, peID string, horizon float64, depth int) {
	gs.BroadcastEvent(RunEvent{
		Type:  "rollback",
		RunID: runID,
		Data: map[string]interface{}{
			"pe_id":   peID,
			"horizon": horizon,
			"depth":   depth,
		},
	})
}

// StreamCloneInitiated broadcasts a clone/branch director decision.
func (gs *GVTStreamer) StreamCloneInitiated(runID string, edge ForkEdge, gvt float64) {
	gs.BroadcastEvent(RunEvent{
		Type:  "clone_initiated",
		RunID: runID,
		Data: map[string]interface{}{
			"edge": edge,
			"gvt":  gvt,
		},
	})
}

// StreamCommit broadcasts a fossil-collection commit below GVT on a PE.
func (gs *GVTStreamer) StreamCommit(runID, peID string, gvt float64, count int64) {
	gs.BroadcastEvent(RunEvent{
		Type:  "commit",
		RunID: runID,
		Data: map[string]interface{}{
			"pe_id": peID,
			"gvt":   gvt,
			"count": count,
		},
	})
}

// StreamPEStatus broadcasts a PE's current status for the topology view.
func (gs *GVTStreamer) StreamPEStatus(runID string, pe PEData) {
	gs.BroadcastEvent(RunEvent{
		Type:  "pe_status",
		RunID: runID,
		Data: map[string]interface{}{
			"pe": pe,
		},
	})
}

// GetStatistics returns WebSocket statistics
func (gs *GVTStreamer) GetStatistics() map[string]interface{} {
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(gs.clients),
		"broadcast_queue":   len(gs.broadcast),
	}
}
