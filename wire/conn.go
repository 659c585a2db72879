package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torrentd/engine/core"
)

// State is a Conn's position in its lifecycle state machine, per
// spec.md 4.5: {Disconnected, Connecting, Connected, Closing, Closed}.
type State int

// Conn states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnClosed is delivered on Send's channel once the connection has
// been closed or destroyed. Per the engine's open-question decision, a
// closed Conn is never reusable: construct a new one.
var ErrConnClosed = errors.New("wire: connection is closed")

// Config defines Conn timeouts and keep-alive cadence.
type Config struct {
	// ConnectTimeout bounds dialing and the handshake exchange.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleTimeout closes the connection if no message is received for
	// this long. A zero value is replaced by the 30s default, so the idle
	// timeout cannot be turned off through this field.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// KeepAliveInterval is how often a keep-alive is sent while the
	// outbound side is otherwise idle. Must stay under 2 minutes per
	// spec.md 4.5.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// EgressBytesPerSec smooths outbound piece payload writes on this
	// single connection, layered underneath the torrent/global
	// bandwidth.Limiter admission control. 0 disables it.
	EgressBytesPerSec float64 `yaml:"egress_bytes_per_sec"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 90 * time.Second
	}
	return c
}

// Events receives parsed wire messages and lifecycle notifications for
// one Conn. Implemented by the per-torrent dispatcher that owns this
// peer's higher-level state; avoids the untyped on(name, fn) pattern
// spec.md 9 flags.
type Events interface {
	OnChoke()
	OnUnchoke()
	OnInterested()
	OnNotInterested()
	OnHave(piece int)
	OnBitfield(b []byte)
	OnRequest(piece, begin, length int)
	OnPiece(piece, begin int, block []byte)
	OnCancel(piece, begin, length int)
	OnClose(err error)
}

type sendRequest struct {
	msg  *Message
	done chan error
}

// Conn owns one peer connection's socket, handshake identity, and
// message pump, after a completed handshake. It is not reusable after
// Close or Destroy: construct a new Conn for a new attempt.
type Conn struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	nc     net.Conn
	egress *rate.Limiter

	LocalPeerID  core.PeerID
	RemotePeerID core.PeerID
	InfoHash     core.InfoHash

	events Events

	mu    sync.Mutex
	state State

	sendCh    chan *sendRequest
	closeOnce sync.Once
	closed    chan struct{}

	receivedNonKeepAlive bool // whether a non-keep-alive message has arrived yet
}

// EventsFactory builds the Events sink for a connection once its
// handshake has resolved an info hash and remote peer id, so the
// listener's single Accept loop can route a connection to the right
// torrent's dispatcher without knowing either in advance.
type EventsFactory func(infoHash core.InfoHash, remotePeerID core.PeerID) Events

// newConn wraps an already-handshaked socket. Unexported: callers go
// through DialAndHandshake or AcceptAndHandshake.
func newConn(
	nc net.Conn,
	config Config,
	h Handshake,
	localPeerID core.PeerID,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Conn {
	config = config.applyDefaults()
	var limiter *rate.Limiter
	if config.EgressBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.EgressBytesPerSec), int(config.EgressBytesPerSec))
	}
	c := &Conn{
		config:       config,
		clk:          clk,
		logger:       logger,
		nc:           nc,
		egress:       limiter,
		LocalPeerID:  localPeerID,
		RemotePeerID: h.PeerID,
		InfoHash:     h.InfoHash,
		events:       events,
		state:        Connected,
		sendCh:       make(chan *sendRequest, 64),
		closed:       make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// DialAndHandshake dials addr, performs the outbound handshake for
// infoHash, and returns a Connected Conn.
func DialAndHandshake(
	addr string,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	config Config,
	eventsFactory EventsFactory,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()

	nc, err := net.DialTimeout("tcp", addr, config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}

	if err := WriteHandshake(nc, Handshake{InfoHash: infoHash, PeerID: localPeerID}, config.ConnectTimeout); err != nil {
		nc.Close()
		return nil, err
	}
	h, err := ReadHandshake(nc, config.ConnectTimeout)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if h.InfoHash != infoHash {
		nc.Close()
		return nil, fmt.Errorf("wire: handshake info hash mismatch: got %s, want %s", h.InfoHash, infoHash)
	}

	return newConn(nc, config, h, localPeerID, eventsFactory(h.InfoHash, h.PeerID), clk, logger), nil
}

// KnownTorrent reports whether h is a torrent this engine is currently
// serving, used by AcceptAndHandshake to validate a peer-initiated
// handshake's info hash before replying.
type KnownTorrent func(h core.InfoHash) bool

// AcceptAndHandshake completes the responder side of a handshake on an
// already-accepted inbound socket. The info hash must match a session
// known to isKnown; otherwise the handshake is rejected and nc is closed.
func AcceptAndHandshake(
	nc net.Conn,
	isKnown KnownTorrent,
	localPeerID core.PeerID,
	config Config,
	eventsFactory EventsFactory,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()

	h, err := ReadHandshake(nc, config.ConnectTimeout)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if !isKnown(h.InfoHash) {
		nc.Close()
		return nil, fmt.Errorf("wire: rejecting handshake for unknown info hash %s", h.InfoHash)
	}
	if err := WriteHandshake(nc, Handshake{InfoHash: h.InfoHash, PeerID: localPeerID}, config.ConnectTimeout); err != nil {
		nc.Close()
		return nil, err
	}

	return newConn(nc, config, h, localPeerID, eventsFactory(h.InfoHash, h.PeerID), clk, logger), nil
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the remote peer's network address, for status
// reporting and logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send queues msg for writing and returns a channel that receives a
// single error once the OS has accepted the bytes (nil) or the
// connection closed before it could send (ErrConnClosed or the
// underlying write error).
func (c *Conn) Send(msg *Message) <-chan error {
	done := make(chan error, 1)
	req := &sendRequest{msg: msg, done: done}
	select {
	case c.sendCh <- req:
	case <-c.closed:
		done <- ErrConnClosed
	}
	return done
}

// SendSync is a blocking convenience wrapper around Send.
func (c *Conn) SendSync(msg *Message) error {
	return <-c.Send(msg)
}

func (c *Conn) writeLoop() {
	// Fail every send still queued when the loop exits, so no Send
	// caller waits forever on a closed connection.
	defer func() {
		for {
			select {
			case req := <-c.sendCh:
				req.done <- ErrConnClosed
			default:
				return
			}
		}
	}()

	keepAlive := c.clk.Ticker(c.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case req := <-c.sendCh:
			err := c.writeOne(req.msg)
			req.done <- err
			if err != nil {
				c.fail(err)
				return
			}
		case <-keepAlive.C:
			if err := c.writeOne(KeepAliveMessage()); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeOne(msg *Message) error {
	if msg.ID == Piece && c.egress != nil {
		if err := c.egress.WaitN(context.Background(), len(msg.Block)); err != nil {
			return fmt.Errorf("wire: egress smoothing: %w", err)
		}
	}
	return EncodeWithTimeout(c.nc, msg, c.config.ConnectTimeout)
}

func (c *Conn) readLoop() {
	for {
		timeout := c.config.IdleTimeout
		msg, err := DecodeWithTimeout(c.nc, timeout)
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *Message) {
	if msg.KeepAlive {
		return
	}
	if msg.ID == Bitfield && c.receivedNonKeepAlive {
		c.fail(errors.New("wire: bitfield message arrived after the first message"))
		return
	}
	c.receivedNonKeepAlive = true

	switch msg.ID {
	case Choke:
		c.events.OnChoke()
	case Unchoke:
		c.events.OnUnchoke()
	case Interested:
		c.events.OnInterested()
	case NotInterested:
		c.events.OnNotInterested()
	case Have:
		c.events.OnHave(msg.Piece)
	case Bitfield:
		c.events.OnBitfield(msg.BitfieldBytes)
	case Request:
		if msg.Length > MaxBlockSize {
			c.fail(fmt.Errorf("wire: request length %d exceeds max %d", msg.Length, MaxBlockSize))
			return
		}
		c.events.OnRequest(msg.Piece, msg.Begin, msg.Length)
	case Piece:
		c.events.OnPiece(msg.Piece, msg.Begin, msg.Block)
	case Cancel:
		c.events.OnCancel(msg.Piece, msg.Begin, msg.Length)
	}
}

func (c *Conn) fail(err error) {
	c.events.OnClose(err)
	c.Destroy()
}

// Close moves the connection to Closing and then shuts it down at once,
// closing the socket with a normal FIN rather than Destroy's zero-linger
// reset. Writes still queued are not sent; their Send channels receive
// ErrConnClosed. Idempotent.
func (c *Conn) Close() error {
	c.transition(Closing)
	return c.shutdown(false)
}

// Destroy performs a forceful shutdown: the socket is closed
// immediately (best-effort RST via zero linger), and any pending sends
// fail with ErrConnClosed. Idempotent.
func (c *Conn) Destroy() error {
	return c.shutdown(true)
}

func (c *Conn) shutdown(force bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.transition(Closed)
		close(c.closed)
		if force {
			if tc, ok := c.nc.(*net.TCPConn); ok {
				tc.SetLinger(0)
			}
		}
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) transition(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}
