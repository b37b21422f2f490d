package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/infrastructure/config"
	"github.com/nerrad567/biogate/internal/infrastructure/logging"
	"github.com/nerrad567/biogate/internal/pollsync"
)

// Event channels a websocket client can subscribe to.
const (
	ChannelAttendance = "attendance"
	ChannelCommand    = "command"
	ChannelSync       = "sync"
)

// channelBits maps each channel to its bit in a client's subscription set.
var channelBits = map[string]uint32{
	ChannelAttendance: 1 << 0,
	ChannelCommand:    1 << 1,
	ChannelSync:       1 << 2,
}

// Frame types exchanged over the websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameAck         = "ack"
	FrameEvent       = "event"
	FrameError       = "error"
)

// Frame is the JSON envelope for every websocket message in either
// direction. Clients set ID on requests; the reply echoes it.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Time    string          `json:"time,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(f Frame, payload any) ([]byte, error) {
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = body
	}
	f.Time = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(f)
}

// syncEvent is broadcast on the sync channel after each device poll.
type syncEvent struct {
	pollsync.DeviceResult
	Failed bool `json:"failed"`
}

// Hub fans gateway events out to subscribed websocket clients. It
// implements attendance.Publisher and the command and poll-sync observer
// signatures, so it is wired directly into those pipelines.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx ends, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.out)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// remove detaches c. The outbound channel is closed once, by whichever of
// remove or Run takes c out of the map.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.out)
		h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to clients subscribed to channel. Slow
// clients miss events rather than stall the sender.
func (h *Hub) Broadcast(channel string, payload any) {
	bit, ok := channelBits[channel]
	if !ok {
		h.logger.Warn("broadcast on unknown channel", "channel", channel)
		return
	}
	data, err := encodeFrame(Frame{Type: FrameEvent, Channel: channel}, payload)
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subs.Load()&bit != 0 {
			c.offer(data)
		}
	}
}

// Publish forwards a stored attendance event.
func (h *Hub) Publish(_ context.Context, e attendance.Event) {
	h.Broadcast(ChannelAttendance, e)
}

// ObserveTransition forwards a command state change.
func (h *Hub) ObserveTransition(_ context.Context, t command.Transition) {
	h.Broadcast(ChannelCommand, t)
}

// ObserveSync forwards one device's poll result.
func (h *Hub) ObserveSync(r pollsync.DeviceResult, err error) {
	ev := syncEvent{DeviceResult: r, Failed: err != nil}
	if err != nil && ev.Error == "" {
		ev.Error = err.Error()
	}
	h.Broadcast(ChannelSync, ev)
}
