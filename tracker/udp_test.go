package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeUDPTracker answers connect/announce requests on a local UDP
// socket, simulating just enough of BEP-15 to exercise UDPClient.
func startFakeUDPTracker(t *testing.T, connID uint64, seeders, leechers uint32, peers []byte) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			action := binary.BigEndian.Uint32(pkt[8:12])
			txID := binary.BigEndian.Uint32(pkt[12:16])

			switch action {
			case actionConnect:
				var resp [16]byte
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				conn.WriteToUDP(resp[:], addr)
			case actionAnnounce:
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], leechers)
				binary.BigEndian.PutUint32(resp[16:20], seeders)
				copy(resp[20:], peers)
				conn.WriteToUDP(resp, addr)
			}
		}
	}()
	return conn
}

func TestUDPClientAnnounce(t *testing.T) {
	require := require.New(t)

	peerBytes := []byte{192, 168, 1, 1, 0x1a, 0xe1}
	conn := startFakeUDPTracker(t, 0xdeadbeef, 5, 2, peerBytes)

	c := NewUDPClient(UDPConfig{MaxRetries: 2}, clock.New(), zap.NewNop().Sugar())
	defer c.Close()

	url := "udp://" + conn.LocalAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Announce(ctx, url, testAnnounceRequest())
	require.NoError(err)
	require.Equal(1800*time.Second, resp.Interval)
	require.Len(resp.Peers, 1)
	require.Equal("192.168.1.1", resp.Peers[0].IP)
	require.Equal(6881, resp.Peers[0].Port)
}

func TestParseUDPPeersSkipsZeroPort(t *testing.T) {
	require := require.New(t)
	b := []byte{
		1, 2, 3, 4, 0x1a, 0xe1,
		5, 6, 7, 8, 0, 0,
	}
	peers := parseUDPPeers(b)
	require.Len(peers, 1)
	require.Equal("1.2.3.4", peers[0].IP)
}

// TestUDPClientConnectExhaustsRetriesWithMockClock exercises the
// Connect retry loop (connect's `for n := 0; n < MaxRetries` loop)
// against a tracker that never replies. With a mock clock, every
// SetDeadline lands in the mock's epoch rather than real wall-clock
// time, so each Read fails with an immediate i/o timeout instead of
// actually blocking for 15*2^n seconds per attempt: the whole
// MaxRetries schedule runs to exhaustion without a real-time wait.
func TestUDPClientConnectExhaustsRetriesWithMockClock(t *testing.T) {
	require := require.New(t)

	// Bind a socket but never read from it, so every request we send
	// goes unanswered and the client's own Read deadline is what ends
	// each attempt.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(err)
	defer silent.Close()

	clk := clock.NewMock()
	c := NewUDPClient(UDPConfig{MaxRetries: 3}, clk, zap.NewNop().Sugar())
	defer c.Close()

	url := "udp://" + silent.LocalAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = c.Announce(ctx, url, testAnnounceRequest())
	require.Error(err, "no tracker ever replies, so every retry attempt should time out")
}

func TestRetryTimeoutSchedule(t *testing.T) {
	require := require.New(t)
	timeout, err := retryTimeout(context.Background(), 0)
	require.NoError(err)
	require.Equal(15*time.Second, timeout)

	timeout, err = retryTimeout(context.Background(), 2)
	require.NoError(err)
	require.Equal(60*time.Second, timeout)
}
