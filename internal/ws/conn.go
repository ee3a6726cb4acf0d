package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"campus-realtime/internal/logging"
)

// Transport is the subset of *websocket.Conn the writer needs.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type ConnOptions struct {
	QueueSize     int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	RatePerSecond float64
	RateBurst     int
}

// Conn is one live client connection. All writes go through a single
// goroutine draining a bounded queue, so frames leave in enqueue order.
// A client that lets the queue fill up is disconnected.
type Conn struct {
	info      ConnInfo
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	opts      ConnOptions
}

func NewConn(transport Transport, info ConnInfo, opts ConnOptions) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	c := &Conn{
		info:      info,
		transport: transport,
		send:      make(chan []byte, opts.QueueSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(limit, max(opts.RateBurst, 1)),
		opts:      opts,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string { return c.info.ConnID }
func (c *Conn) IdentityID() string { return c.info.IdentityID }
func (c *Conn) Info() ConnInfo { return c.info }
func (c *Conn) Done() <-chan struct{} { return c.done }

// Allow reports whether an inbound frame fits the connection's rate limit.
func (c *Conn) Allow() bool {
	return c.limiter.Allow()
}

// Send queues payload without blocking. It returns false when the
// connection is closed or was just closed for being too slow.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		logging.Warn().Str("conn_id", c.info.ConnID).Str("identity_id", c.info.IdentityID).Msg("send queue full, closing slow connection")
		c.Close()
		return false
	}
}

// Close stops the writer and closes the transport. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				logging.Debug().Err(err).Str("conn_id", c.info.ConnID).Msg("websocket write failed")
				c.Close()
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.transport.WriteMessage(messageType, payload)
}
