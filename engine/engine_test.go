package engine

import (
	"context"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/bencode"
)

func singleFileTorrentBytes(t *testing.T, name string, pieceCount int) []byte {
	t.Helper()
	info := bencode.NewDict()
	info.Set("name", bencode.NewString(name))
	info.Set("piece length", bencode.NewInteger(1000))
	info.Set("pieces", bencode.NewByteString(make([]byte, 20*pieceCount)))
	info.Set("length", bencode.NewInteger(int64(pieceCount)*1000))

	top := bencode.NewDict()
	top.Set("announce", bencode.NewString("http://tracker.example.invalid/announce"))
	top.Set("info", info)
	return bencode.Encode(top)
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		DataDir:      t.TempDir(),
		DownloadPath: t.TempDir(),
		Port:         16881,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, clock.NewMock(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	return e
}

func TestNewRejectsRequiredEncryption(t *testing.T) {
	_, err := New(Config{EncryptionMode: EncryptionRequire}, clock.NewMock(), tally.NoopScope, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestStartTwiceIsStateError(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t, nil)

	require.NoError(e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	err := e.Start(context.Background())
	require.Error(err)
}

func TestStopWithoutStartIsStateError(t *testing.T) {
	e := newTestEngine(t, nil)
	require.Error(t, e.Stop())
}

func TestAddTorrentRegistersSessionAndEmitsEvent(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t, nil)

	require.NoError(e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	data := singleFileTorrentBytes(t, "movie.mp4", 2)
	info, err := e.AddTorrent(context.Background(), data, AddOptions{Labels: map[string]string{"tag": "demo"}})
	require.NoError(err)
	require.Equal("demo", info.Labels["tag"])

	torrents := e.GetTorrents()
	require.Len(torrents, 1)
	require.Equal(info.InfoHash, torrents[0].InfoHash)

	select {
	case ev := <-e.Events():
		added, ok := ev.(TorrentAdded)
		require.True(ok, "expected TorrentAdded, got %T", ev)
		require.Equal(info.InfoHash, added.InfoHash)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TorrentAdded event")
	}
}

func TestAddTorrentRejectsDuplicates(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t, nil)
	require.NoError(e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	data := singleFileTorrentBytes(t, "a.bin", 1)
	_, err := e.AddTorrent(context.Background(), data, AddOptions{})
	require.NoError(err)

	_, err = e.AddTorrent(context.Background(), data, AddOptions{})
	require.Error(err)
}

func TestRemoveTorrentForgetsSession(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t, nil)
	require.NoError(e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	data := singleFileTorrentBytes(t, "b.bin", 1)
	info, err := e.AddTorrent(context.Background(), data, AddOptions{})
	require.NoError(err)

	require.NoError(e.RemoveTorrent(info.InfoHash, false))
	require.Len(t, e.GetTorrents(), 0)
}

func TestAddMagnetReturnsInfoHashButRefusesFetch(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.AddMagnet("magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c&dn=Big+Buck+Bunny")
	require.Error(t, err)
}

func TestGetStatusReflectsRunningState(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t, nil)

	require.False(e.GetStatus().Running)

	require.NoError(e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	require.True(e.GetStatus().Running)
}

func TestUpdateConfigAppliesUploadRate(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t, nil)
	require.NoError(e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	e.UpdateConfig(Config{MaxUploadSpeed: 5000})
	require.Equal(uint64(5000), e.GetConfig().MaxUploadSpeed)
}
