package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/piece"
)

func testInfoHash() core.InfoHash {
	h, err := core.InfoHashFromRawBytes([]byte("01234567890123456789"[:20]))
	if err != nil {
		panic(err)
	}
	return h
}

func TestSaveLoadRoundTrip(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	s := NewStore(dir)

	h := testInfoHash()
	r := &Record{
		InfoHash:     h.Hex(),
		Name:         "ubuntu.iso",
		State:        "downloading",
		DownloadPath: "/tmp/downloads",
		Labels:       map[string]string{"category": "linux"},
		Downloaded:   1024,
		Uploaded:     512,
		TotalLength:  2048,
		PieceLength:  512,
		PieceCount:   4,
		AddedAt:      time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(s.Save(r))

	loaded, err := s.Load(h)
	require.NoError(err)
	require.Equal(CurrentVersion, loaded.Version)
	require.Equal(r.Name, loaded.Name)
	require.Equal(r.Labels, loaded.Labels)
	require.Equal(r.Downloaded, loaded.Downloaded)
	require.True(r.AddedAt.Equal(loaded.AddedAt))
}

func TestSaveReplacesExistingRecord(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	s := NewStore(dir)
	h := testInfoHash()

	require.NoError(s.Save(&Record{InfoHash: h.Hex(), Name: "first"}))
	require.NoError(s.Save(&Record{InfoHash: h.Hex(), Name: "second"}))

	entries, err := os.ReadDir(filepath.Join(dir, "torrents"))
	require.NoError(err)
	require.Len(entries, 1, "no stray .tmp file should survive a successful Save")

	loaded, err := s.Load(h)
	require.NoError(err)
	require.Equal("second", loaded.Name)
}

func TestLoadAllSkipsCorruptFiles(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	s := NewStore(dir)

	require.NoError(s.Save(&Record{InfoHash: testInfoHash().Hex(), Name: "good"}))

	badPath := filepath.Join(dir, "torrents", "not-a-hash.json")
	require.NoError(os.WriteFile(badPath, []byte("{not json"), 0644))

	records, errs := s.LoadAll()
	require.Len(records, 1)
	require.Len(errs, 1)
	require.Equal("good", records[0].Name)
}

func TestDeleteIsIdempotent(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	s := NewStore(dir)
	h := testInfoHash()

	require.NoError(s.Save(&Record{InfoHash: h.Hex()}))
	require.NoError(s.Delete(h))
	require.NoError(s.Delete(h))

	_, err := s.Load(h)
	require.Error(err)
}

func TestBitfieldRoundTrip(t *testing.T) {
	require := require.New(t)

	bf := piece.NewBitfield(10)
	require.NoError(bf.Set(1))
	require.NoError(bf.Set(9))

	encoded := EncodeBitfield(bf)
	decoded, err := DecodeBitfield(encoded, 10)
	require.NoError(err)

	require.True(decoded.Test(1))
	require.True(decoded.Test(9))
	require.False(decoded.Test(0))
	require.Equal(2, decoded.Popcount())
}
