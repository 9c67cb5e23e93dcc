// Package wsconn wraps a gorilla websocket connection with a buffered,
// non-blocking send path drained by a single write pump, so a slow peer never
// blocks the goroutine that produces its messages.
package wsconn

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the default channel buffer size per connection.
const DefaultSendBuffer = 256

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	closeFrameTimeout   = time.Second
)

var (
	// ErrClosed is returned by sends after the connection started closing.
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned by Send when the peer is not draining its
	// buffer fast enough.
	ErrBufferFull = errors.New("send buffer full")
)

// Options tunes a Conn. Zero values pick defaults; a zero PingInterval
// disables keepalive pings.
type Options struct {
	ID           string
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
}

// Conn is a websocket connection with a buffered write pump.
type Conn struct {
	ID   string
	ws   *websocket.Conn
	opts Options

	sendCh  chan []byte
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
	drain       bool
}

// New wraps ws and starts its write pump.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	c := &Conn{
		ID:      opts.ID,
		ws:      ws,
		opts:    opts,
		sendCh:  make(chan []byte, opts.SendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Done is closed once the write pump has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues data without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// SendPriority queues data, evicting one queued message if the buffer is
// full. Only for frames outside an admitted event stream, such as errors
// before subscription or ahead of a close.
func (c *Conn) SendPriority(data []byte) error {
	if err := c.Send(data); err != ErrBufferFull {
		return err
	}
	select {
	case <-c.sendCh:
	default:
	}
	return c.Send(data)
}

// SendWithTimeout blocks up to timeout for buffer space. Used for history
// replay, where dropping a message would leave the peer with a hole.
func (c *Conn) SendWithTimeout(data []byte, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// Close flushes queued messages, sends a close frame with code and reason
// (when code is non-zero) and closes the socket. It does not wait.
func (c *Conn) Close(code int, reason string) {
	c.shutdown(code, reason, true)
}

// Abort closes the socket without flushing queued messages.
func (c *Conn) Abort() {
	c.shutdown(0, "", false)
}

func (c *Conn) shutdown(code int, reason string, drain bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.drain = drain
		c.mu.Unlock()
		close(c.closing)
	})
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writePump() {
	defer func() {
		c.ws.Close()
		close(c.done)
	}()

	var pingC <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				slog.Debug("Websocket write failed", "connId", c.ID, "error", err)
				c.Abort()
				return
			}
		case <-pingC:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				slog.Debug("Websocket ping failed", "connId", c.ID, "error", err)
				c.Abort()
				return
			}
		case <-c.closing:
			c.finish()
			return
		}
	}
}

func (c *Conn) finish() {
	c.mu.Lock()
	code, reason, drain := c.closeCode, c.closeReason, c.drain
	c.mu.Unlock()

	if drain {
	flush:
		for {
			select {
			case data := <-c.sendCh:
				if err := c.write(data); err != nil {
					return
				}
			default:
				break flush
			}
		}
	}
	if code != 0 {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout))
	}
}

// ReadLoop delivers inbound text messages to handle until the socket fails
// or is closed. With a PongTimeout set, the read deadline is extended by
// every pong and every message.
func (c *Conn) ReadLoop(handle func(data []byte)) error {
	c.ws.SetReadLimit(c.opts.ReadLimit)
	extend := func() {
		if c.opts.PongTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// IsNormalClose reports whether err is an orderly close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
