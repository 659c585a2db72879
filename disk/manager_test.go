package disk

import (
	"crypto/sha1"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/metainfo"
)

type fakeEvents struct {
	diskFullCount  int
	spaceAvailable int
	progress       []float64
}

func (f *fakeEvents) OnDiskFull(required, available int64)               { f.diskFullCount++ }
func (f *fakeEvents) OnSpaceAvailable()                                   { f.spaceAvailable++ }
func (f *fakeEvents) OnVerificationProgress(checked, total int, r float64) { f.progress = append(f.progress, r) }

func metaWithHashes(t *testing.T, dir string, pieceLength int64, pieces [][]byte) *metainfo.TorrentMetadata {
	var hashes []byte
	var total int64
	for _, p := range pieces {
		h := sha1.Sum(p)
		hashes = append(hashes, h[:]...)
		total += int64(len(p))
	}
	return &metainfo.TorrentMetadata{
		PieceLength: pieceLength,
		PieceCount:  len(pieces),
		PieceHashes: hashes,
		Files:       []metainfo.FileEntry{{Path: []string{"f.bin"}, Length: total, Offset: 0}},
		TotalLength: total,
	}
}

func newTestManager(t *testing.T, meta *metainfo.TorrentMetadata, events Events, clk clock.Clock) *Manager {
	dir := t.TempDir()
	m := New(dir, meta, Config{}, events, clk, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestManagerWriteReadRoundTrip(t *testing.T) {
	require := require.New(t)
	p0 := make([]byte, 16)
	for i := range p0 {
		p0[i] = byte(i)
	}
	meta := metaWithHashes(t, "", 16, [][]byte{p0})
	m := newTestManager(t, meta, nil, clock.NewMock())

	err := <-m.Write(0, p0)
	require.NoError(err)

	got, err := m.Read(0)
	require.NoError(err)
	require.Equal(p0, got)
}

func TestManagerVerifyDetectsGoodAndBadPieces(t *testing.T) {
	require := require.New(t)
	p0 := []byte("0123456789012345")
	p1 := []byte("ABCDEFGHIJKLMNOP")
	meta := metaWithHashes(t, "", 16, [][]byte{p0, p1})

	events := &fakeEvents{}
	m := newTestManager(t, meta, events, clock.NewMock())

	require.NoError((<-m.Write(0, p0)))
	// Write piece 1 with wrong content so verification flags it invalid.
	require.NoError((<-m.Write(1, []byte("WRONGWRONGWRONGW"))))

	completed, err := m.Verify()
	require.NoError(err)
	require.True(completed.Test(0))
	require.False(completed.Test(1))
	require.NotEmpty(events.progress)
	require.Equal(1.0, events.progress[len(events.progress)-1])
}

func TestReadCacheEvictsOldest(t *testing.T) {
	require := require.New(t)
	c := newReadCache(2)
	c.put(0, []byte("a"))
	c.put(1, []byte("b"))
	c.put(2, []byte("c")) // evicts 0

	_, ok := c.get(0)
	require.False(ok)
	_, ok = c.get(1)
	require.True(ok)
	_, ok = c.get(2)
	require.True(ok)
}

func TestManagerDeleteIsIdempotent(t *testing.T) {
	require := require.New(t)
	p0 := make([]byte, 16)
	meta := metaWithHashes(t, "", 16, [][]byte{p0})
	m := newTestManager(t, meta, nil, clock.NewMock())

	require.NoError(m.Delete())
	require.NoError(m.Delete())
}
