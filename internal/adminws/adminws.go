// Package adminws serves a read-only live tail of scheduler events over
// a websocket, for admin consoles that want to watch job/printer state
// changes without polling get-notifications. It is additive to, never
// a substitute for, the IPP subscription path in internal/subscription
// (spec §4.E) - this hub only ever reads from the bus, it never creates
// or cancels a subscription.
//
// Generalized from common/ws/hub.go's broadcast-to-subscribers shape,
// but deliberately stripped of that hub's own run() goroutine: spec §5
// forbids any goroutine but the event loop from touching scheduler
// state, so Broadcast here is a plain synchronous function the caller
// invokes directly after publishing an event, exactly the adaptation
// subscription.Bus itself already makes of the same teacher file.
package adminws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/printcore/schedulerd/internal/event"
	"github.com/printcore/schedulerd/internal/logger"
)

// clientBufferSize bounds each connection's outbound queue; a slow
// reader drops frames rather than backing up the broadcaster.
const clientBufferSize = 32

// Hub fans published events out to every connected admin client. It
// owns no goroutine of its own: Broadcast is called synchronously by
// whatever already holds the scheduler's lock when an event is
// published, and each client's own read/write pump is scoped to that
// one HTTP connection, not to daemon state.
type Hub struct {
	mu      sync.Mutex
	clients map[string]chan []byte
	log     *logger.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{clients: make(map[string]chan []byte), log: log}
}

// Broadcast marshals e and fans it out to every connected client,
// dropping (never blocking) on a client whose queue is already full.
func (h *Hub) Broadcast(e event.Event) {
	payload, err := json.Marshal(wireEventFrom(e))
	if err != nil {
		h.log.Warn("adminws: marshal event failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.log.Warn("adminws: client queue full, dropping event", "client", id)
		}
	}
}

// wireEvent is the JSON shape sent to clients; a plain struct (rather
// than event.Event directly) keeps the wire format stable even if the
// internal Event type grows fields no client needs.
type wireEvent struct {
	SeqID   uint64    `json:"seq_id"`
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Printer string    `json:"printer,omitempty"`
	JobID   int       `json:"job_id,omitempty"`
}

func wireEventFrom(e event.Event) wireEvent {
	return wireEvent{SeqID: e.SeqID, Kind: e.Kind.String(), Time: e.Time, Printer: e.Printer, JobID: e.JobID}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is called once per new connection to replay recent history
// before live events start flowing; the caller supplies it (typically
// subscription.Bus.GlobalRing) so this package never imports the bus.
type Snapshot func() []event.Event

// ServeHTTP upgrades the request to a websocket, replays snap() as a
// burst of wireEvents, then streams Broadcast output until the client
// disconnects. Inbound client frames are read and discarded only to
// detect close/ping - this is a read-only tail, spec §4.E's EXPANSION
// names no write-side protocol for it.
func (h *Hub) ServeHTTP(snap Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("adminws: upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		id := uuid.NewString()
		ch := make(chan []byte, clientBufferSize)
		h.register(id, ch)
		defer h.unregister(id)

		for _, e := range snap() {
			payload, err := json.Marshal(wireEventFrom(e))
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		go h.readPump(conn)

		for payload := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames purely to notice the connection
// closing (gorilla/websocket requires reads to happen for control
// frames like pings/pongs to be processed); it never reaches into
// scheduler state.
func (h *Hub) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(id string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[id] = ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}
