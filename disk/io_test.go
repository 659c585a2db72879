package disk

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/metainfo"
)

func testMeta(pieceLength int64, files []metainfo.FileEntry) *metainfo.TorrentMetadata {
	var total int64
	for _, f := range files {
		total = f.Offset + f.Length
	}
	pieceCount := int((total + pieceLength - 1) / pieceLength)
	return &metainfo.TorrentMetadata{
		PieceLength: pieceLength,
		PieceCount:  pieceCount,
		Files:       files,
		TotalLength: total,
	}
}

func singleFileMeta(t *testing.T, dir string, length, pieceLength int64) *metainfo.TorrentMetadata {
	return testMeta(pieceLength, []metainfo.FileEntry{
		{Path: []string{"single.bin"}, Length: length, Offset: 0},
	})
}

func TestWriteReadPieceRoundTrip(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	meta := singleFileMeta(t, dir, 100, 40)
	d := NewIO(dir, meta, Sparse)
	require.NoError(d.Allocate())

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(d.WritePiece(0, data))

	got, err := d.ReadPiece(0)
	require.NoError(err)
	require.Equal(data, got)
}

func TestWriteReadAcrossFileBoundary(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	// Two files of 30 and 70 bytes; piece length 40 spans the boundary.
	meta := testMeta(40, []metainfo.FileEntry{
		{Path: []string{"a.bin"}, Length: 30, Offset: 0},
		{Path: []string{"b.bin"}, Length: 70, Offset: 30},
	})
	d := NewIO(dir, meta, Sparse)
	require.NoError(d.Allocate())

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(d.WritePiece(0, data))

	got, err := d.ReadPiece(0)
	require.NoError(err)
	require.Equal(data, got)

	// Last piece is the remainder: total=100, pieceLength=40 => pieces
	// of 40, 40, 20.
	last, err := meta.ActualPieceLength(2)
	require.NoError(err)
	require.Equal(int64(20), last)
}

func TestAllocateFullPreallocatesLength(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	meta := singleFileMeta(t, dir, 1000, 100)
	d := NewIO(dir, meta, Full)
	require.NoError(d.Allocate())

	info, err := statSize(dir + "/single.bin")
	require.NoError(err)
	require.Equal(int64(1000), info)
}

func TestDeleteIsIdempotent(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	meta := singleFileMeta(t, dir, 100, 40)
	d := NewIO(dir, meta, Sparse)
	require.NoError(d.Allocate())

	require.NoError(d.Delete(false))
	require.NoError(d.Delete(false)) // idempotent
}

func TestPieceIndexOutOfRange(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	meta := singleFileMeta(t, dir, 100, 40)
	d := NewIO(dir, meta, Sparse)
	require.NoError(d.Allocate())

	_, err := d.ReadPiece(99)
	require.Error(err)
}

func statSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
