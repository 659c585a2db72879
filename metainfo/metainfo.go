// Package metainfo parses .torrent files and magnet URIs into
// TorrentMetadata, per BEP 3 and the minimal subset of BEP 9 needed to
// recover an info-hash and tracker list from a magnet link.
package metainfo

import (
	"fmt"
	"time"

	"github.com/torrentd/engine/bencode"
	"github.com/torrentd/engine/core"
)

// FileEntry describes one file within a (possibly multi-file) torrent.
type FileEntry struct {
	// Path is the file's path relative to the torrent's download
	// directory, one element per path component.
	Path []string

	// Length is the file's size in bytes.
	Length int64

	// Offset is the file's starting byte offset within the torrent's
	// concatenated logical byte stream.
	Offset int64
}

// TorrentMetadata is the immutable, parsed form of a .torrent file's
// info dictionary (plus the handful of outer keys the engine needs).
type TorrentMetadata struct {
	InfoHash core.InfoHash

	Name        string
	PieceLength int64
	PieceCount  int
	PieceHashes []byte // 20*PieceCount bytes, concatenated SHA-1 digests

	Files       []FileEntry
	TotalLength int64
	Private     bool

	Announce     string
	AnnounceList [][]string

	CreationDate *time.Time
	CreatedBy    string
	Comment      string

	// RawInfo is the exact bencoded bytes of the info dictionary, as it
	// appeared in the .torrent file. InfoHash is the SHA-1 of these
	// bytes; this is retained so tools can re-verify or re-serialize a
	// torrent without resorting to re-encoding (and risking a mismatch
	// on non-canonical input the decoder nonetheless accepted).
	RawInfo []byte
}

// PieceHash returns the expected SHA-1 digest for piece index i.
func (m *TorrentMetadata) PieceHash(i int) ([]byte, error) {
	if i < 0 || i >= m.PieceCount {
		return nil, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", i, m.PieceCount)
	}
	return m.PieceHashes[20*i : 20*i+20], nil
}

// ActualPieceLength returns the real byte length of piece index i,
// which is PieceLength for every piece except possibly the last, whose
// length is the remainder of TotalLength.
func (m *TorrentMetadata) ActualPieceLength(i int) (int64, error) {
	if i < 0 || i >= m.PieceCount {
		return 0, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", i, m.PieceCount)
	}
	if i < m.PieceCount-1 {
		return m.PieceLength, nil
	}
	rem := m.TotalLength - int64(m.PieceCount-1)*m.PieceLength
	if rem == 0 {
		return m.PieceLength, nil
	}
	return rem, nil
}

// Parse decodes raw .torrent bytes into a TorrentMetadata, validating
// every invariant in the data model: total length matches the sum of
// file lengths, piece count matches total length, piece hash bytes are
// a multiple of 20, and every file path is traversal-safe.
func Parse(data []byte) (*TorrentMetadata, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, core.NewError(core.KindMetadata, err, "decode bencode")
	}
	if top.Kind() != bencode.Dict {
		return nil, core.NewError(core.KindMetadata, nil, "top-level value is not a dict")
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, core.NewError(core.KindMetadata, nil, "missing required key %q", "info")
	}
	if infoVal.Kind() != bencode.Dict {
		return nil, core.NewError(core.KindMetadata, nil, "info is not a dict")
	}

	rawInfo, ok := infoVal.Raw()
	if !ok {
		// Constructed programmatically rather than decoded; re-encode
		// deterministically as a fallback.
		rawInfo = bencode.Encode(infoVal)
	}
	infoHash := core.SHA1InfoHash(rawInfo)

	m := &TorrentMetadata{
		InfoHash: infoHash,
		RawInfo:  rawInfo,
	}

	if err := m.parseInfo(infoVal); err != nil {
		return nil, err
	}

	if v, ok := top.Get("announce"); ok {
		s, err := requireByteString(v, "announce")
		if err != nil {
			return nil, err
		}
		m.Announce = string(s)
	}

	if v, ok := top.Get("announce-list"); ok {
		tiers, err := parseAnnounceList(v)
		if err != nil {
			return nil, err
		}
		m.AnnounceList = tiers
	}

	if v, ok := top.Get("creation date"); ok {
		n, ok := v.Integer()
		if !ok {
			return nil, core.NewError(core.KindMetadata, nil, "creation date is not an integer")
		}
		t := time.Unix(n, 0).UTC()
		m.CreationDate = &t
	}

	if v, ok := top.Get("created by"); ok {
		s, err := requireByteString(v, "created by")
		if err != nil {
			return nil, err
		}
		m.CreatedBy = string(s)
	}

	if v, ok := top.Get("comment"); ok {
		s, err := requireByteString(v, "comment")
		if err != nil {
			return nil, err
		}
		m.Comment = string(s)
	}

	return m, nil
}

func (m *TorrentMetadata) parseInfo(info *bencode.Value) error {
	nameVal, ok := info.Get("name")
	if !ok {
		return core.NewError(core.KindMetadata, nil, "info missing required key %q", "name")
	}
	name, err := requireByteString(nameVal, "name")
	if err != nil {
		return err
	}
	m.Name = string(name)

	plVal, ok := info.Get("piece length")
	if !ok {
		return core.NewError(core.KindMetadata, nil, "info missing required key %q", "piece length")
	}
	pieceLength, ok := plVal.Integer()
	if !ok || pieceLength <= 0 {
		return core.NewError(core.KindMetadata, nil, "piece length must be a positive integer")
	}
	m.PieceLength = pieceLength

	piecesVal, ok := info.Get("pieces")
	if !ok {
		return core.NewError(core.KindMetadata, nil, "info missing required key %q", "pieces")
	}
	pieces, err := requireByteString(piecesVal, "pieces")
	if err != nil {
		return err
	}
	if len(pieces)%20 != 0 {
		return core.NewError(core.KindMetadata, nil, "pieces length %d is not a multiple of 20", len(pieces))
	}
	m.PieceHashes = pieces

	if v, ok := info.Get("private"); ok {
		n, ok := v.Integer()
		if !ok {
			return core.NewError(core.KindMetadata, nil, "private is not an integer")
		}
		m.Private = n != 0
	}

	_, hasLength := info.Get("length")
	_, hasFiles := info.Get("files")
	switch {
	case hasLength && hasFiles:
		return core.NewError(core.KindMetadata, nil, "info contains both %q and %q", "length", "files")
	case hasLength:
		if err := m.parseSingleFile(info); err != nil {
			return err
		}
	case hasFiles:
		if err := m.parseMultiFile(info); err != nil {
			return err
		}
	default:
		return core.NewError(core.KindMetadata, nil, "info contains neither %q nor %q", "length", "files")
	}

	m.PieceCount = int((m.TotalLength + m.PieceLength - 1) / m.PieceLength)
	if len(m.PieceHashes) != 20*m.PieceCount {
		return core.NewError(core.KindMetadata, nil,
			"piece hash count %d does not match expected piece count %d",
			len(m.PieceHashes)/20, m.PieceCount)
	}

	return nil
}

func (m *TorrentMetadata) parseSingleFile(info *bencode.Value) error {
	lengthVal, _ := info.Get("length")
	length, ok := lengthVal.Integer()
	if !ok || length < 0 {
		return core.NewError(core.KindMetadata, nil, "length must be a non-negative integer")
	}
	if err := validatePathSegment(m.Name); err != nil {
		return err
	}
	m.Files = []FileEntry{{Path: []string{m.Name}, Length: length, Offset: 0}}
	m.TotalLength = length
	return nil
}

// validatePathSegment rejects the empty, "." and ".." segments per
// spec.md 3's path-traversal guard, shared by both the single-file
// name and every multi-file path segment.
func validatePathSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." {
		return core.NewError(core.KindMetadata, nil, "unsafe path segment %q", seg)
	}
	return nil
}

func (m *TorrentMetadata) parseMultiFile(info *bencode.Value) error {
	filesVal, _ := info.Get("files")
	items, ok := filesVal.List()
	if !ok {
		return core.NewError(core.KindMetadata, nil, "files is not a list")
	}
	if len(items) == 0 {
		return core.NewError(core.KindMetadata, nil, "files list is empty")
	}

	var offset int64
	files := make([]FileEntry, 0, len(items))
	for _, item := range items {
		if item.Kind() != bencode.Dict {
			return core.NewError(core.KindMetadata, nil, "files entry is not a dict")
		}

		lengthVal, ok := item.Get("length")
		if !ok {
			return core.NewError(core.KindMetadata, nil, "files entry missing %q", "length")
		}
		length, ok := lengthVal.Integer()
		if !ok || length < 0 {
			return core.NewError(core.KindMetadata, nil, "files entry length must be a non-negative integer")
		}

		pathVal, ok := item.Get("path")
		if !ok {
			return core.NewError(core.KindMetadata, nil, "files entry missing %q", "path")
		}
		segsVal, ok := pathVal.List()
		if !ok || len(segsVal) == 0 {
			return core.NewError(core.KindMetadata, nil, "files entry path is empty or not a list")
		}

		segs := make([]string, 0, len(segsVal))
		for _, s := range segsVal {
			b, err := requireByteString(s, "path segment")
			if err != nil {
				return err
			}
			seg := string(b)
			if err := validatePathSegment(seg); err != nil {
				return err
			}
			segs = append(segs, seg)
		}

		files = append(files, FileEntry{Path: segs, Length: length, Offset: offset})
		offset += length
	}

	m.Files = files
	m.TotalLength = offset
	return nil
}

func parseAnnounceList(v *bencode.Value) ([][]string, error) {
	tiersVal, ok := v.List()
	if !ok {
		return nil, core.NewError(core.KindMetadata, nil, "announce-list is not a list")
	}
	tiers := make([][]string, 0, len(tiersVal))
	for _, tierVal := range tiersVal {
		urlsVal, ok := tierVal.List()
		if !ok {
			return nil, core.NewError(core.KindMetadata, nil, "announce-list tier is not a list")
		}
		tier := make([]string, 0, len(urlsVal))
		for _, u := range urlsVal {
			b, err := requireByteString(u, "announce-list url")
			if err != nil {
				return nil, err
			}
			tier = append(tier, string(b))
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func requireByteString(v *bencode.Value, field string) ([]byte, error) {
	b, ok := v.ByteString()
	if !ok {
		return nil, core.NewError(core.KindMetadata, nil, "%s is not a byte string", field)
	}
	return b, nil
}
