package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsOutboundBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one operator connection. subs is a bit set over
// channelBits.
type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	out     chan []byte
	subs    atomic.Uint32
	subject string
}

// handleWebSocket upgrades an operator connection. Browsers cannot set
// headers on the upgrade request, so the caller presents a single-use
// ticket from POST /api/v1/ws-ticket instead of a bearer token.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	subject, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:     s.hub,
		conn:    conn,
		out:     make(chan []byte, wsOutboundBuffer),
		subject: subject,
	}
	s.hub.add(c)

	pingEvery := time.Duration(s.wsCfg.PingInterval) * time.Second
	grace := time.Duration(s.wsCfg.PongTimeout) * time.Second
	go c.writeLoop(pingEvery, grace)
	go c.readLoop(int64(s.wsCfg.MaxMessageSize), pingEvery+grace)
}

// readLoop handles client frames until the connection fails or goes
// quiet for longer than idle. Any inbound frame, pong included, extends
// the deadline.
func (c *wsClient) readLoop(limit int64, idle time.Duration) {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }
	c.conn.SetReadLimit(limit)
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket closed", "subject", c.subject, "error", err)
			}
			return
		}
		_ = extend()
		c.dispatch(data)
	}
}

// writeLoop drains out and pings every interval. It exits when out is
// closed or a write fails.
func (c *wsClient) writeLoop(interval, writeWait time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *wsClient) dispatch(data []byte) {
	var req Frame
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(Frame{Type: FrameError}, errorBody("malformed frame"))
		return
	}

	switch req.Type {
	case FrameSubscribe, FrameUnsubscribe:
		c.updateSubscriptions(req)
	case FramePing:
		c.reply(Frame{Type: FramePong, ID: req.ID}, nil)
	default:
		c.reply(Frame{Type: FrameError, ID: req.ID}, errorBody("unsupported frame type "+req.Type))
	}
}

type channelList struct {
	Channels []string `json:"channels"`
}

func (c *wsClient) updateSubscriptions(req Frame) {
	var body channelList
	if err := json.Unmarshal(req.Payload, &body); err != nil || len(body.Channels) == 0 {
		c.reply(Frame{Type: FrameError, ID: req.ID}, errorBody("payload.channels is required"))
		return
	}

	var mask uint32
	for _, ch := range body.Channels {
		bit, ok := channelBits[ch]
		if !ok {
			c.reply(Frame{Type: FrameError, ID: req.ID}, errorBody("unknown channel "+ch))
			return
		}
		mask |= bit
	}

	for {
		cur := c.subs.Load()
		next := cur | mask
		if req.Type == FrameUnsubscribe {
			next = cur &^ mask
		}
		if c.subs.CompareAndSwap(cur, next) {
			break
		}
	}
	c.reply(Frame{Type: FrameAck, ID: req.ID}, body)
}

func (c *wsClient) reply(f Frame, payload any) {
	data, err := encodeFrame(f, payload)
	if err != nil {
		return
	}
	c.offer(data)
}

// offer queues data without blocking. A full buffer drops the frame.
// A send racing with hub shutdown hits a closed channel; that frame is
// dropped too.
func (c *wsClient) offer(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.out <- data:
	default:
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"message": msg}
}
