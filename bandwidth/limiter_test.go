package bandwidth

import (
	"context"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
)

func testInfoHash() core.InfoHash {
	h, err := core.InfoHashFromRawBytes([]byte("01234567890123456789"[:20]))
	if err != nil {
		panic(err)
	}
	return h
}

func newTestLimiter(t *testing.T, config Config, clk clock.Clock) *Limiter {
	l := NewLimiter(config, clk, tally.NoopScope, zap.NewNop().Sugar())
	t.Cleanup(l.Stop)
	return l
}

func TestRequestUnlimitedGrantsImmediately(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	l := newTestLimiter(t, Config{}, clk)

	err := l.Request(context.Background(), 1<<20, Download, nil)
	require.NoError(err)
}

func TestRequestWithinBurstGrantsImmediately(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	l := newTestLimiter(t, Config{DownloadRate: 1000, Burst: 1500}, clk)

	done := make(chan error, 1)
	go func() { done <- l.Request(context.Background(), 1500, Download, nil) }()

	clk.Add(150 * time.Millisecond)

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("request within burst did not complete")
	}
}

func TestSecondConcurrentRequestWaitsForRefill(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	l := newTestLimiter(t, Config{DownloadRate: 1000, Burst: 1500}, clk)

	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- l.Request(context.Background(), 1500, Download, nil) }()
	clk.Add(150 * time.Millisecond)
	require.NoError(<-first)

	go func() { second <- l.Request(context.Background(), 1500, Download, nil) }()

	// Not enough tokens yet: advance less than the ~1.5s needed.
	for i := 0; i < 10; i++ {
		clk.Add(100 * time.Millisecond)
	}
	select {
	case <-second:
		t.Fatal("second request should not have completed yet")
	default:
	}

	for i := 0; i < 10; i++ {
		clk.Add(100 * time.Millisecond)
	}
	select {
	case err := <-second:
		require.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("second request never completed")
	}
}

func TestRequestRespectsCancellation(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	l := newTestLimiter(t, Config{DownloadRate: 1000, Burst: 1000}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Request(ctx, 1<<20, Download, nil) }()
	cancel()

	select {
	case err := <-done:
		require.Error(err)
	case <-time.After(time.Second):
		t.Fatal("cancelled request never returned")
	}
}

func TestRemoveTorrentCompletesWaiters(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	l := newTestLimiter(t, Config{}, clk)

	h := testInfoHash()
	l.AddTorrent(h, 1, 1) // tiny rate, will block.

	done := make(chan error, 1)
	go func() { done <- l.Request(context.Background(), 1<<20, Download, &h) }()

	// Let the goroutine register as a waiter.
	time.Sleep(10 * time.Millisecond)
	l.RemoveTorrent(h)

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("request was not completed by RemoveTorrent")
	}
}
