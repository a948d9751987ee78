package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/setupforge/coordinator/log"
)

// event is the wire shape for a broadcast notification (spec §4.H/§4.I
// observables a watching client cares about).
type event struct {
	Kind           string `json:"kind"`
	RoundHeight    uint64 `json:"round_height,omitempty"`
	ChunkID        uint64 `json:"chunk_id,omitempty"`
	ContributionID uint64 `json:"contribution_id,omitempty"`
}

// conn wraps a single subscriber connection with its own send queue, mirroring
// the corpus's per-connection WSConn/sendCh shape but using gorilla/websocket
// for the actual framing instead of a hand-rolled upgrade.
type conn struct {
	ws     *websocket.Conn
	sendCh chan []byte
}

// Notifier fans out ceremony events to every subscribed WebSocket client.
type Notifier struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}

	logger *log.Logger
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[*conn]struct{}),
		logger: log.Default().Module("transport.ws"),
	}
}

// ServeHTTP upgrades the connection and registers it for broadcasts until it
// disconnects.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws, sendCh: make(chan []byte, 16)}

	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	go n.writePump(c)
	n.readPump(c)
}

func (n *Notifier) readPump(c *conn) {
	defer n.remove(c)
	c.ws.SetReadLimit(1 << 10)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (n *Notifier) writePump(c *conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (n *Notifier) remove(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[c]; ok {
		delete(n.conns, c)
		close(c.sendCh)
		_ = c.ws.Close()
	}
}

func (n *Notifier) broadcast(e event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		select {
		case c.sendCh <- data:
		default:
			// Slow consumer: drop the message rather than block the broadcaster.
		}
	}
}

// BroadcastRoundAdvanced notifies subscribers the ceremony moved to height.
func (n *Notifier) BroadcastRoundAdvanced(height uint64) {
	n.broadcast(event{Kind: "round_advanced", RoundHeight: height})
}

// BroadcastChunkVerified notifies subscribers a chunk's contribution was
// verified.
func (n *Notifier) BroadcastChunkVerified(chunkID, contributionID uint64) {
	n.broadcast(event{Kind: "chunk_verified", ChunkID: chunkID, ContributionID: contributionID})
}

// BroadcastParticipantDropped notifies subscribers a participant was dropped.
func (n *Notifier) BroadcastParticipantDropped(id string) {
	n.broadcastParticipant("participant_dropped", id)
}

// BroadcastParticipantBanned notifies subscribers a participant was banned,
// whether by operator request or by UpdateTick's ban-threshold check.
func (n *Notifier) BroadcastParticipantBanned(id string) {
	n.broadcastParticipant("participant_banned", id)
}

func (n *Notifier) broadcastParticipant(kind, id string) {
	data, err := json.Marshal(struct {
		Kind          string `json:"kind"`
		ParticipantID string `json:"participant_id"`
	}{kind, id})
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		select {
		case c.sendCh <- data:
		default:
		}
	}
}

// BroadcastRoundAggregated notifies subscribers that height finished
// aggregating, the terminal step of a round UpdateTick drives without any
// HTTP request in flight.
func (n *Notifier) BroadcastRoundAggregated(height uint64) {
	n.broadcast(event{Kind: "round_aggregated", RoundHeight: height})
}

// BroadcastCeremonyOver notifies subscribers the queue's cohort schedule has
// run out and the coordinator is shutting down.
func (n *Notifier) BroadcastCeremonyOver() {
	n.broadcast(event{Kind: "ceremony_over"})
}
