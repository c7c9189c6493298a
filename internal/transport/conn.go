package transport

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes one decoded frame for a given channel id. A non-nil
// return is written back as a reply frame on ChannelQueryResponse, with
// the inbound PacketUniqueID, iff the inbound frame carried a non-zero
// PacketUniqueID — callers that don't want a reply return nil.
type Handler func(ctx context.Context, conn *Conn, f Frame) []byte

// Conn wraps one accepted or dialed network connection with a channel-id
// routing table and a write mutex (frames from different goroutines must
// not interleave on the wire).
type Conn struct {
	nc       net.Conn
	br       *bufio.Reader
	writeMu  sync.Mutex
	log      zerolog.Logger
	handlers map[uint64]Handler
	handlersMu sync.RWMutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps nc with an empty handler table, which Serve consults for
// every inbound frame's channel id; RegisterHandler adds entries to it.
func NewConn(nc net.Conn, log zerolog.Logger) *Conn {
	return &Conn{
		nc:       nc,
		br:       bufio.NewReader(nc),
		log:      log,
		handlers: make(map[uint64]Handler),
		closed:   make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a channel id. Registering the same
// channel id twice replaces the previous handler.
func (c *Conn) RegisterHandler(channelID uint64, h Handler) {
	c.handlersMu.Lock()
	c.handlers[channelID] = h
	c.handlersMu.Unlock()
}

// Write sends one frame. Safe for concurrent use.
func (c *Conn) Write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.nc, f)
}

// ReadOne reads a single frame directly off the wire, bypassing the
// handler table. It exists for the connection initiator's side of the
// node auth handshake, which must synchronously await one reply before
// registering handlers and starting Serve.
func (c *Conn) ReadOne() (Frame, error) {
	return ReadFrame(c.br)
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Closed returns a channel closed once the connection has been closed,
// for callers that need to detect peer loss without reading frames
// themselves.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Close closes the underlying connection. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
		close(c.closed)
	})
	return err
}

// Serve reads frames until the connection closes or ctx is cancelled,
// dispatching each to its registered handler. Unregistered channel ids are
// dropped and logged at debug level. Serve blocks; call it on its own
// goroutine per connection.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Close()
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		f, err := ReadFrame(c.br)
		if err != nil {
			return err
		}

		c.handlersMu.RLock()
		h, ok := c.handlers[f.ChannelID]
		c.handlersMu.RUnlock()
		if !ok {
			c.log.Debug().Uint64("channel_id", f.ChannelID).Msg("dropping frame on unregistered channel")
			continue
		}

		reply := h(ctx, c, f)
		if reply != nil && f.PacketUniqueID != 0 {
			if err := c.Write(Frame{ChannelID: ChannelQueryResponse, PacketUniqueID: f.PacketUniqueID, Payload: reply}); err != nil {
				c.log.Warn().Err(err).Msg("failed to write reply frame")
				return err
			}
		}
	}
}

// Dial opens a new Conn to addr.
func Dial(ctx context.Context, addr string, log zerolog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, log), nil
}

// Listener accepts connections on one address and hands each to onAccept.
type Listener struct {
	ln  net.Listener
	log zerolog.Logger
}

// Listen binds addr.
func Listen(addr string, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, log: log}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled, calling onAccept with
// a wrapped Conn for each. onAccept is expected to register handlers and
// then call Conn.Serve on its own goroutine.
func (l *Listener) Serve(ctx context.Context, onAccept func(*Conn)) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		onAccept(NewConn(nc, l.log))
	}
}

// Close closes the listener.
func (l *Listener) Close() error { return l.ln.Close() }
