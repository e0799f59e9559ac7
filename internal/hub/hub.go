// Package hub fans state changes out to connected WebSocket viewers.
//
// Every client owns a bounded outbound queue drained by its own writer
// goroutine, so a slow viewer never delays the others. When a queue
// overflows its pending deltas are discarded and replaced by a fresh
// "initial" snapshot, which the client applies as a full resync.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/specboard/internal/metrics"
	"github.com/p-blackswan/specboard/internal/models"
)

// MsgInitial is the full snapshot sent on connect and on resync.
const MsgInitial = "initial"

// Envelope is the JSON frame written to clients.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// InitialPayload is the data of an initial message.
type InitialPayload struct {
	Projects       []models.ProjectState  `json:"projects"`
	ActiveSessions []models.ActiveSession `json:"activeSessions"`
	Username       string                 `json:"username"`
}

// Conn is the subset of a WebSocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Snapshotter provides the state sent to new clients. It is called with the
// hub lock held and must not call back into the hub.
type Snapshotter interface {
	Snapshot() []models.ProjectState
	ActiveSessions() []models.ActiveSession
}

// Options configures a Hub.
type Options struct {
	// QueueSize bounds each client's pending messages (0 = 256).
	QueueSize int
	// WriteTimeout bounds a single socket write (0 = 10s).
	WriteTimeout time.Duration
	// Username is reported to clients in the initial message.
	Username string
	Metrics  *metrics.Metrics
}

// Client is one registered viewer.
type Client struct {
	ID string

	conn    Conn
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{} // closed when the writer goroutine exits

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// Done is closed once the client has been removed from the hub.
func (c *Client) Done() <-chan struct{} { return c.done }

// Hub is the synchronized client registry.
type Hub struct {
	source       Snapshotter
	queueSize    int
	writeTimeout time.Duration
	username     string
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

// New creates a Hub. source may be nil until SetSource is called.
func New(source Snapshotter, opts Options, logger zerolog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		source:       source,
		queueSize:    opts.QueueSize,
		writeTimeout: opts.WriteTimeout,
		username:     opts.Username,
		metrics:      opts.Metrics,
		logger:       logger.With().Str("component", "hub").Logger(),
		clients:      make(map[string]*Client),
	}
}

// SetSource wires the snapshot provider.
func (h *Hub) SetSource(s Snapshotter) {
	h.mu.Lock()
	h.source = s
	h.mu.Unlock()
}

// Connect registers conn and queues its initial snapshot. The snapshot is
// taken under the registry lock, so no broadcast can be queued ahead of it.
func (h *Hub) Connect(conn Conn) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	h.mu.Lock()
	if frame, err := h.initialFrameLocked(); err == nil {
		c.queue = append(c.queue, frame)
		c.signal()
	} else {
		h.logger.Error().Err(err).Msg("encode initial snapshot")
	}
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWSClients(count)
	h.metrics.RecordWSMessage(MsgInitial)
	h.logger.Info().Str("client", c.ID).Int("clients", count).Msg("client connected")

	h.wg.Add(1)
	go h.writer(c)
	return c
}

// Disconnect removes the client and closes its socket. It is idempotent.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	count := len(h.clients)
	h.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()
	if ok {
		h.metrics.SetWSClients(count)
		h.logger.Info().Str("client", c.ID).Int("clients", count).Msg("client disconnected")
	}
}

// Release disconnects c and waits for its writer to exit. Callers that hand
// the connection back to a pool must use it instead of Disconnect. It must
// not be called from the writer itself.
func (h *Hub) Release(c *Client) {
	h.Disconnect(c)
	<-c.stopped
}

// Broadcast queues msgType/data for every client. It never blocks on a socket.
func (h *Hub) Broadcast(msgType string, data any) {
	frame, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("encode broadcast")
		h.metrics.RecordError("hub", "encode")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var resync []byte
	for _, c := range h.clients {
		if c.push(frame, h.queueSize) {
			continue
		}
		if resync == nil {
			if resync, err = h.initialFrameLocked(); err != nil {
				h.logger.Error().Err(err).Msg("encode resync snapshot")
				continue
			}
		}
		c.replace(resync)
		h.metrics.RecordResync()
		h.logger.Warn().Str("client", c.ID).Msg("client queue overflow, resyncing")
	}
	h.metrics.RecordWSMessage(msgType)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Disconnect(c)
	}
	h.wg.Wait()
}

func (h *Hub) initialFrameLocked() ([]byte, error) {
	payload := InitialPayload{
		Projects:       []models.ProjectState{},
		ActiveSessions: []models.ActiveSession{},
		Username:       h.username,
	}
	if h.source != nil {
		if projects := h.source.Snapshot(); projects != nil {
			payload.Projects = projects
		}
		if sessions := h.source.ActiveSessions(); sessions != nil {
			payload.ActiveSessions = sessions
		}
	}
	return json.Marshal(Envelope{Type: MsgInitial, Data: payload})
}

func (h *Hub) writer(c *Client) {
	defer h.wg.Done()
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			frame, ok := c.pop()
			if !ok {
				break
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug().Err(err).Str("client", c.ID).Msg("write failed, dropping client")
				h.metrics.RecordError("hub", "write")
				h.Disconnect(c)
				return
			}
		}
	}
}

// push appends frame, reporting false when the queue is full.
func (c *Client) push(frame []byte, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if len(c.queue) >= limit {
		return false
	}
	c.queue = append(c.queue, frame)
	c.signal()
	return true
}

func (c *Client) replace(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = [][]byte{frame}
	c.signal()
}

func (c *Client) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return nil, false
	}
	frame := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return frame, true
}

func (c *Client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
