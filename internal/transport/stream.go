package transport

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"driftsync/internal/domain"
)

// maxFrame bounds a single framed message. A 64 KiB chunk is well under
// this even after base64 and the JSON envelope.
const maxFrame = 1 << 20

// Conn is a reliable, ordered, framed connection to one peer. Writes are
// serialized; reads happen on a single loop that delivers decoded messages
// to the handler the owner registered.
type Conn struct {
	log *zap.Logger
	raw net.Conn

	wmu sync.Mutex
	w   msgio.WriteCloser
	r   msgio.ReadCloser

	mu     sync.Mutex
	peer   domain.PeerID
	device domain.DeviceID

	closeOnce sync.Once
}

func newConn(raw net.Conn, log *zap.Logger) *Conn {
	return &Conn{
		log: log,
		raw: raw,
		w:   msgio.NewWriter(raw),
		r:   msgio.NewReaderSize(raw, maxFrame),
	}
}

// Dial opens a framed connection to addr.
func Dial(addr string, timeout time.Duration, log *zap.Logger) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return newConn(raw, log), nil
}

// Send encodes msg into the tagged envelope and writes one frame.
func (c *Conn) Send(msg any) error {
	env, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.WriteMsg(payload)
}

// ReadLoop decodes frames until the connection fails or closes, invoking
// handle for each message. Malformed payloads are dropped with a log and
// the connection stays up.
func (c *Conn) ReadLoop(handle func(msg any)) error {
	for {
		payload, err := c.r.ReadMsg()
		if err != nil {
			return err
		}
		var env domain.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.log.Warn("dropping unparseable frame", zap.String("peer", string(c.Peer())), zap.Error(err))
			c.r.ReleaseMsg(payload)
			continue
		}
		c.r.ReleaseMsg(payload)
		msg, err := domain.DecodeMessage(env)
		if err != nil {
			c.log.Warn("dropping message", zap.String("type", env.Type), zap.Error(err))
			continue
		}
		handle(msg)
	}
}

// BindPeer records which peer this connection belongs to, once the Hello
// exchange identifies it.
func (c *Conn) BindPeer(peer domain.PeerID, device domain.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
	c.device = device
}

// Peer returns the bound peer id, or "" before the Hello exchange.
func (c *Conn) Peer() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Device returns the bound device id, or "" before the Hello exchange.
func (c *Conn) Device() domain.DeviceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// RemoteHost returns the remote IP without the port.
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.raw.RemoteAddr().String())
	if err != nil {
		return c.raw.RemoteAddr().String()
	}
	return host
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.raw.Close() })
	return err
}

var _ domain.MessageSender = (*Conn)(nil)

// Listener accepts framed peer connections on the service port.
type Listener struct {
	log *zap.Logger
	ln  net.Listener

	accepted chan *Conn
	done     chan struct{}
}

// Listen binds the service port and starts accepting.
func Listen(addr string, log *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		log:      log,
		ln:       ln,
		accepted: make(chan *Conn, 8),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Accepted returns the channel of inbound connections. Closed on shutdown.
func (l *Listener) Accepted() <-chan *Conn { return l.accepted }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	defer close(l.accepted)
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					l.log.Warn("accept failed", zap.Error(err))
				}
			}
			return
		}
		l.accepted <- newConn(raw, l.log)
	}
}

// WrapConn frames an existing net.Conn. Tests use it with net.Pipe.
func WrapConn(raw net.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return newConn(raw, log)
}
