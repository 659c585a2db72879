package metainfo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/bencode"
	"github.com/torrentd/engine/core"
)

func buildTorrentBytes(t *testing.T, info *bencode.Value, announce string) []byte {
	t.Helper()
	top := bencode.NewDict()
	top.Set("announce", bencode.NewString(announce))
	top.Set("info", info)
	return bencode.Encode(top)
}

func singleFileInfo(pieceCount int) *bencode.Value {
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("movie.mp4"))
	info.Set("piece length", bencode.NewInteger(1000))
	info.Set("pieces", bencode.NewByteString(make([]byte, 20*pieceCount)))
	info.Set("length", bencode.NewInteger(1500))
	return info
}

func TestParseSingleFileTorrent(t *testing.T) {
	info := singleFileInfo(2)
	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	m, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, "movie.mp4", m.Name)
	require.Equal(t, int64(1000), m.PieceLength)
	require.Equal(t, 2, m.PieceCount)
	require.Equal(t, int64(1500), m.TotalLength)
	require.Equal(t, "http://tracker.example/announce", m.Announce)
	require.Len(t, m.Files, 1)
	require.Equal(t, []string{"movie.mp4"}, m.Files[0].Path)
	require.Equal(t, int64(0), m.Files[0].Offset)

	actual0, err := m.ActualPieceLength(0)
	require.NoError(t, err)
	require.Equal(t, int64(1000), actual0)

	actual1, err := m.ActualPieceLength(1)
	require.NoError(t, err)
	require.Equal(t, int64(500), actual1)
}

func TestParseMultiFileTorrent(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("album"))
	info.Set("piece length", bencode.NewInteger(1000))
	info.Set("pieces", bencode.NewByteString(make([]byte, 20*2)))

	f1 := bencode.NewDict()
	f1.Set("length", bencode.NewInteger(1000))
	f1.Set("path", bencode.NewList(bencode.NewString("track1.mp3")))
	f2 := bencode.NewDict()
	f2.Set("length", bencode.NewInteger(500))
	f2.Set("path", bencode.NewList(bencode.NewString("track2.mp3")))
	info.Set("files", bencode.NewList(f1, f2))

	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	m, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	require.Equal(t, int64(0), m.Files[0].Offset)
	require.Equal(t, int64(1000), m.Files[1].Offset)
	require.Equal(t, int64(1500), m.TotalLength)
}

func TestParseRejectsPathTraversal(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("evil"))
	info.Set("piece length", bencode.NewInteger(1000))
	info.Set("pieces", bencode.NewByteString(make([]byte, 20)))

	f1 := bencode.NewDict()
	f1.Set("length", bencode.NewInteger(10))
	f1.Set("path", bencode.NewList(bencode.NewString(".."), bencode.NewString("passwd")))
	info.Set("files", bencode.NewList(f1))

	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	_, err := Parse(data)
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindMetadata))
}

func TestParseSingleFileRejectsUnsafeName(t *testing.T) {
	for _, name := range []string{"", ".", ".."} {
		info := singleFileInfo(2)
		info.Set("name", bencode.NewString(name))
		data := buildTorrentBytes(t, info, "http://tracker.example/announce")

		_, err := Parse(data)
		require.Error(t, err, "name %q", name)
		require.True(t, core.IsKind(err, core.KindMetadata))
	}
}

func TestParseRejectsBothLengthAndFiles(t *testing.T) {
	info := singleFileInfo(2)
	info.Set("files", bencode.NewList())

	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsMismatchedPieceHashLength(t *testing.T) {
	info := singleFileInfo(1) // only one piece hash, but 1500/1000 needs 2
	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	_, err := Parse(data)
	require.Error(t, err)
}

func TestInfoHashStableAcrossReparse(t *testing.T) {
	info := singleFileInfo(2)
	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	m1, err := Parse(data)
	require.NoError(t, err)
	m2, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, m1.InfoHash, m2.InfoHash)
}

func TestParseMagnetURI(t *testing.T) {
	link, err := ParseMagnetURI("magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c&dn=Big+Buck+Bunny")
	require.NoError(t, err)

	require.Equal(t, "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c", link.InfoHash.Hex())
	require.Equal(t, "Big Buck Bunny", link.Name)
}

func TestParseMagnetURIWithTrackers(t *testing.T) {
	link, err := ParseMagnetURI(
		"magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c" +
			"&tr=http://a.example/announce&tr=udp://b.example:80")
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.example/announce", "udp://b.example:80"}, link.Trackers)
}

func TestParseMagnetURIRejectsMissingInfoHash(t *testing.T) {
	_, err := ParseMagnetURI("magnet:?dn=no-hash-here")
	require.Error(t, err)
}
