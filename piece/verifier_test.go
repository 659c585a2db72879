package piece

import (
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/bencode"
	"github.com/torrentd/engine/metainfo"
)

func buildMetadata(t *testing.T, pieces [][]byte) *metainfo.TorrentMetadata {
	t.Helper()

	var hashes []byte
	for _, p := range pieces {
		h := sha1.Sum(p)
		hashes = append(hashes, h[:]...)
	}

	info := bencode.NewDict()
	info.Set("name", bencode.NewString("t"))
	info.Set("piece length", bencode.NewInteger(int64(len(pieces[0]))))
	info.Set("pieces", bencode.NewByteString(hashes))

	total := int64(0)
	for _, p := range pieces {
		total += int64(len(p))
	}
	info.Set("length", bencode.NewInteger(total))

	top := bencode.NewDict()
	top.Set("announce", bencode.NewString("http://tracker.example/announce"))
	top.Set("info", info)

	m, err := metainfo.Parse(bencode.Encode(top))
	require.NoError(t, err)
	return m
}

func TestVerifyAcceptsMatchingData(t *testing.T) {
	pieces := [][]byte{[]byte("hello world piece payload"), []byte("second piece payload here")}
	m := buildMetadata(t, pieces)

	ok, err := Verify(m, 0, pieces[0])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsCorruptData(t *testing.T) {
	pieces := [][]byte{[]byte("hello world piece payload"), []byte("second piece payload here")}
	m := buildMetadata(t, pieces)

	ok, err := Verify(m, 0, []byte("corrupted data here wrongly"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyOutOfRangeIsFatal(t *testing.T) {
	pieces := [][]byte{[]byte("hello world piece payload")}
	m := buildMetadata(t, pieces)

	_, err := Verify(m, 5, pieces[0])
	require.Error(t, err)
}

func TestVerifyBatchReportsPerPieceResults(t *testing.T) {
	pieces := [][]byte{
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaa"),
		[]byte("bbbbbbbbbbbbbbbbbbbbbbbbbb"),
		[]byte("cccccccccccccccccccccccccc"),
	}
	m := buildMetadata(t, pieces)

	read := func(i int) ([]byte, error) {
		if i == 1 {
			return []byte("corrupted"), nil
		}
		return pieces[i], nil
	}

	results, err := VerifyBatch(m, []int{0, 1, 2}, 2, read)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Valid)
	require.False(t, results[1].Valid)
	require.True(t, results[2].Valid)
}

func TestVerifyBatchTreatsReadErrorsAsIncompleteNotFatal(t *testing.T) {
	pieces := [][]byte{[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaa")}
	m := buildMetadata(t, pieces)

	read := func(i int) ([]byte, error) {
		return nil, fmt.Errorf("missing underlying file")
	}

	results, err := VerifyBatch(m, []int{0}, 1, read)
	require.NoError(t, err)
	require.False(t, results[0].Valid)
}
