package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/pkg/envelope"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errClientClosed = errors.New("client closed")

// Client represents a connected WebSocket client. All writes go through the
// send queue drained by writePump; gorilla connections allow one writer.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Int64
	dropped   atomic.Int64

	mu           sync.Mutex
	lastActivity time.Time
	activeRuns   int

	logger zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, ip string, buffer int, limiter *ClientRateLimiter, logger zerolog.Logger) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    ip,
		RateLimiter:  limiter,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		lastActivity: now,
		logger:       logger.With().Str("clientId", id).Logger(),
	}
}

// Done is closed once the client disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

// reply queues an RPC response. Responses are never dropped: a client that
// does not drain its queue within writeWait is disconnected.
func (c *Client) reply(resp *RPCResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	case <-timer.C:
		c.logger.Warn().Str("requestId", resp.ID).Msg("Client send queue stuck, disconnecting")
		c.Close()
		return errClientClosed
	}
}

// Send implements envelope.Sink. Envelopes are dropped when the client's
// queue is full.
func (c *Client) Send(env envelope.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to marshal envelope")
		return
	}

	msg, err := json.Marshal(EventMessage{
		Type:      "event",
		Event:     "envelope",
		Seq:       c.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		RunID:     env.RunID,
		SessionID: env.SessionID,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.dropped.Add(1)
		observability.RecordEnvelopeDropped()
		c.logger.Warn().
			Str("type", string(env.Type)).
			Str("runId", env.RunID).
			Msg("Client send queue full, dropping envelope")
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) runStarted() {
	c.mu.Lock()
	c.activeRuns++
	c.mu.Unlock()
}

func (c *Client) runEnded() {
	c.mu.Lock()
	if c.activeRuns > 0 {
		c.activeRuns--
	}
	c.mu.Unlock()
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClientInfo{
		ID:           c.ID,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		IPAddress:    c.IPAddress,
		ActiveRuns:   c.activeRuns,
		Dropped:      c.dropped.Load(),
		Idle:         now.Sub(c.lastActivity) > 5*time.Minute,
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
