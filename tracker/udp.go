package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
)

// protocolID is the BEP-15 magic constant identifying a connect request.
const protocolID uint64 = 0x41727101980

// BEP-15 action codes.
const (
	actionConnect uint32 = iota
	actionAnnounce
	actionScrape
	actionError
)

// connIDTTL is how long a cached connection-id remains valid before a
// fresh Connect round is required, per spec.md 4.10.
const connIDTTL = 60 * time.Second

// connState is the UDP client's connection-id lifecycle, separate from
// wire.State: it tracks whether this client currently holds a live
// connection-id, not a socket.
type connState int

const (
	disconnected connState = iota
	connecting
	connected
)

// UDPConfig defines UDPClient configuration.
type UDPConfig struct {
	// MaxRetries bounds the number of Connect/Announce attempts before
	// giving up, following the 15*2^n second BEP-15 retry schedule.
	// spec.md 4.10 requires "at least 2"; BEP-15 itself recommends 8.
	MaxRetries int `yaml:"max_retries"`
}

func (c UDPConfig) applyDefaults() UDPConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	return c
}

// UDPClient implements Client against BEP-15 UDP trackers. One UDPClient
// serves any number of trackers, keeping one socket per tracker URL,
// dialed lazily on that URL's first use.
type UDPClient struct {
	config UDPConfig
	clk    clock.Clock
	logger *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]*udpTrackerConn
	key   uint32
}

type udpTrackerConn struct {
	conn      *net.UDPConn
	state     connState
	connID    uint64
	expiresAt time.Time
}

// NewUDPClient creates a UDPClient. clk is injected (rather than using
// time.Now directly) so the Connect/Announce retry loops are
// deterministically testable with clock.NewMock(), the same pattern
// every other timer-driven component in this module follows.
func NewUDPClient(config UDPConfig, clk clock.Clock, logger *zap.SugaredLogger) *UDPClient {
	config = config.applyDefaults()
	var key uint32
	if b, err := randomUint32(); err == nil {
		key = b
	}
	return &UDPClient{
		config: config,
		clk:    clk,
		logger: logger,
		conns:  make(map[string]*udpTrackerConn),
		key:    key,
	}
}

func (c *UDPClient) connFor(trackerURL string) (*udpTrackerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tc, ok := c.conns[trackerURL]; ok {
		return tc, nil
	}
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid udp tracker url %q: %w", trackerURL, err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve %q: %w", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %q: %w", u.Host, err)
	}
	tc := &udpTrackerConn{conn: conn, state: disconnected}
	c.conns[trackerURL] = tc
	return tc, nil
}

// Announce performs a BEP-15 connect (if needed) followed by an
// announce, against trackerURL.
func (c *UDPClient) Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	tc, err := c.connFor(trackerURL)
	if err != nil {
		return nil, core.NewTrackerError(trackerURL, err, "dial")
	}

	if err := c.ensureConnected(ctx, trackerURL, tc); err != nil {
		return nil, err
	}

	resp, err := c.doAnnounce(ctx, trackerURL, tc, req)
	if err != nil {
		// A stale or mismatched connection-id: force a fresh Connect and
		// retry exactly once, per BEP-15's own recommendation.
		tc.state = disconnected
		if cerr := c.ensureConnected(ctx, trackerURL, tc); cerr != nil {
			return nil, cerr
		}
		resp, err = c.doAnnounce(ctx, trackerURL, tc, req)
		if err != nil {
			return nil, core.NewTrackerError(trackerURL, err, "announce")
		}
	}
	return resp, nil
}

func (c *UDPClient) ensureConnected(ctx context.Context, trackerURL string, tc *udpTrackerConn) error {
	if tc.state == connected && c.clk.Now().Before(tc.expiresAt) {
		return nil
	}
	tc.state = connecting
	connID, err := c.connect(ctx, tc)
	if err != nil {
		// Open question decision: a failed connect attempt returns the
		// client to disconnected rather than leaving it stuck
		// connecting, since there is no path back out of connecting
		// otherwise and the 60s connection-id cache already forces a
		// fresh round on next use anyway.
		tc.state = disconnected
		return core.NewTrackerError(trackerURL, err, "connect")
	}
	tc.connID = connID
	tc.expiresAt = c.clk.Now().Add(connIDTTL)
	tc.state = connected
	return nil
}

func (c *UDPClient) connect(ctx context.Context, tc *udpTrackerConn) (uint64, error) {
	var lastErr error
	for n := 0; n < c.config.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		timeout, err := retryTimeout(ctx, n)
		if err != nil {
			return 0, err
		}
		txID, err := randomUint32()
		if err != nil {
			return 0, err
		}
		tc.conn.SetDeadline(c.clk.Now().Add(timeout))

		var req [16]byte
		binary.BigEndian.PutUint64(req[0:8], protocolID)
		binary.BigEndian.PutUint32(req[8:12], actionConnect)
		binary.BigEndian.PutUint32(req[12:16], txID)
		if _, err := tc.conn.Write(req[:]); err != nil {
			lastErr = err
			continue
		}

		var resp [16]byte
		nread, err := tc.conn.Read(resp[:])
		if err != nil {
			lastErr = err
			continue
		}
		if nread < 16 {
			lastErr = fmt.Errorf("tracker: connect response too short (%d bytes)", nread)
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTxID := binary.BigEndian.Uint32(resp[4:8])
		if gotTxID != txID {
			lastErr = fmt.Errorf("tracker: transaction id mismatch")
			continue
		}
		if action == actionError {
			return 0, fmt.Errorf("tracker error: %s", resp[8:nread])
		}
		if action != actionConnect {
			lastErr = fmt.Errorf("tracker: unexpected action %d", action)
			continue
		}
		return binary.BigEndian.Uint64(resp[8:16]), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: connect exhausted %d retries", c.config.MaxRetries)
	}
	return 0, lastErr
}

func (c *UDPClient) doAnnounce(ctx context.Context, trackerURL string, tc *udpTrackerConn, req AnnounceRequest) (*AnnounceResponse, error) {
	var lastErr error
	for n := 0; n < c.config.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timeout, err := retryTimeout(ctx, n)
		if err != nil {
			return nil, err
		}
		txID, err := randomUint32()
		if err != nil {
			return nil, err
		}
		tc.conn.SetDeadline(c.clk.Now().Add(timeout))

		var pkt [98]byte
		binary.BigEndian.PutUint64(pkt[0:8], tc.connID)
		binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
		binary.BigEndian.PutUint32(pkt[12:16], txID)
		copy(pkt[16:36], req.InfoHash.Bytes())
		copy(pkt[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
		binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
		binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
		binary.BigEndian.PutUint32(pkt[80:84], uint32(req.Event))
		binary.BigEndian.PutUint32(pkt[84:88], 0) // ip=0: tracker infers our address
		binary.BigEndian.PutUint32(pkt[88:92], c.key)
		numWant := int32(-1)
		if req.NumWant > 0 {
			numWant = int32(req.NumWant)
		}
		binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
		binary.BigEndian.PutUint16(pkt[96:98], uint16(req.Port))

		if _, err := tc.conn.Write(pkt[:]); err != nil {
			lastErr = err
			continue
		}

		buf := make([]byte, 4096)
		nread, err := tc.conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		resp := buf[:nread]
		if len(resp) < 20 {
			lastErr = fmt.Errorf("tracker: announce response too short (%d bytes)", len(resp))
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTxID := binary.BigEndian.Uint32(resp[4:8])
		if gotTxID != txID {
			lastErr = fmt.Errorf("tracker: transaction id mismatch")
			continue
		}
		if action == actionError {
			return nil, fmt.Errorf("tracker error: %s", resp[8:])
		}
		if action != actionAnnounce {
			lastErr = fmt.Errorf("tracker: unexpected action %d", action)
			continue
		}

		interval := binary.BigEndian.Uint32(resp[8:12])
		leechers := binary.BigEndian.Uint32(resp[12:16])
		seeders := binary.BigEndian.Uint32(resp[16:20])
		peers := parseUDPPeers(resp[20:])
		_ = leechers
		_ = seeders
		return &AnnounceResponse{
			Interval: time.Duration(interval) * time.Second,
			Peers:    peers,
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: announce exhausted %d retries", c.config.MaxRetries)
	}
	return nil, lastErr
}

// parseUDPPeers decodes zero or more 6-byte compact peer records;
// records whose port is 0 are skipped per spec.md 4.10.
func parseUDPPeers(b []byte) []*core.PeerInfo {
	var peers []*core.PeerInfo
	n := len(b) / 6
	for i := 0; i < n; i++ {
		off := i * 6
		port := binary.BigEndian.Uint16(b[off+4 : off+6])
		if port == 0 {
			continue
		}
		ip := fmt.Sprintf("%d.%d.%d.%d", b[off], b[off+1], b[off+2], b[off+3])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, int(port), core.SourceUDPTracker))
	}
	return peers
}

// retryTimeout implements the BEP-15 schedule: 15*2^n seconds, clamped
// to any earlier context deadline.
func retryTimeout(ctx context.Context, n int) (time.Duration, error) {
	timeout := 15 * time.Second * time.Duration(1<<uint(n))
	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remain < timeout {
			return remain, nil
		}
	}
	return timeout, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Close closes every UDP socket this client has opened.
func (c *UDPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, tc := range c.conns {
		if err := tc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.conns = make(map[string]*udpTrackerConn)
	return firstErr
}
