// Package disk implements the disk I/O layer of spec.md 4.9: mapping
// piece offsets into file ranges, reading and writing across file
// boundaries, file allocation strategies, and filesystem space queries.
// Grounded on client/storage/storage.go's on-disk layout (a torrent's
// logical byte stream is split across files at fixed offsets) and
// generalized from its single-file-per-torrent shape into the
// multi-file range-splitting spec.md 4.9 requires.
package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/metainfo"
	"github.com/torrentd/engine/utils/diskspaceutil"
)

// AllocMode selects how file space is reserved ahead of writes.
type AllocMode string

// Allocation strategies.
const (
	// Sparse creates zero-length files lazily and relies on the
	// filesystem to create holes as writes land.
	Sparse AllocMode = "sparse"

	// Full pre-allocates every file to its declared length before any
	// writes occur.
	Full AllocMode = "full"

	// Compact creates the file structure (directories, zero-length
	// files) but leaves growth to the first write, identical to Sparse
	// except for being named distinctly in configuration.
	Compact AllocMode = "compact"
)

// fileRange is the portion of one on-disk file that piece bytes
// [pieceOffset, pieceOffset+length) intersect.
type fileRange struct {
	file        metainfo.FileEntry
	fileOffset  int64 // offset within the file
	pieceOffset int64 // offset within the caller's buffer
	length      int64
}

// IO maps a torrent's logical byte stream onto its on-disk files.
type IO struct {
	root string
	meta *metainfo.TorrentMetadata
	mode AllocMode
}

// NewIO creates an IO rooted at dir for the given metadata. Allocate
// must be called once before any reads or writes.
func NewIO(dir string, meta *metainfo.TorrentMetadata, mode AllocMode) *IO {
	if mode == "" {
		mode = Sparse
	}
	return &IO{root: dir, meta: meta, mode: mode}
}

func (d *IO) path(f metainfo.FileEntry) string {
	parts := append([]string{d.root}, f.Path...)
	return filepath.Join(parts...)
}

// Allocate creates every file on disk according to the configured
// AllocMode. Full pre-allocates full length; Sparse and Compact create
// zero-length files and their parent directories.
func (d *IO) Allocate() error {
	for _, f := range d.meta.Files {
		p := d.path(f)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return core.NewDiskError(p, err, "mkdir")
		}
		fh, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return core.NewDiskError(p, err, "create")
		}
		if d.mode == Full {
			if err := fh.Truncate(f.Length); err != nil {
				fh.Close()
				return core.NewDiskError(p, err, "truncate to %d", f.Length)
			}
		}
		if err := fh.Close(); err != nil {
			return core.NewDiskError(p, err, "close")
		}
	}
	return nil
}

// fileRanges computes the (possibly several) file ranges that
// [offset, offset+length) of the torrent's logical byte stream
// intersects.
func (d *IO) fileRanges(offset, length int64) ([]fileRange, error) {
	if offset < 0 || length < 0 || offset+length > d.meta.TotalLength {
		return nil, fmt.Errorf("disk: range [%d,%d) out of bounds [0,%d)", offset, offset+length, d.meta.TotalLength)
	}
	var ranges []fileRange
	remaining := length
	pos := offset
	for _, f := range d.meta.Files {
		fileEnd := f.Offset + f.Length
		if pos >= fileEnd || remaining <= 0 {
			if remaining <= 0 {
				break
			}
			continue
		}
		if pos < f.Offset {
			// Should not happen given validated metadata, but guard
			// against gaps rather than silently misaligning writes.
			return nil, fmt.Errorf("disk: gap in file layout before offset %d", f.Offset)
		}
		inFileOffset := pos - f.Offset
		avail := f.Length - inFileOffset
		take := remaining
		if take > avail {
			take = avail
		}
		ranges = append(ranges, fileRange{
			file:        f,
			fileOffset:  inFileOffset,
			pieceOffset: pos - offset,
			length:      take,
		})
		pos += take
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("disk: range [%d,%d) not fully covered by file layout", offset, offset+length)
	}
	return ranges, nil
}

// WriteAt writes data starting at the torrent's logical offset,
// splitting across file boundaries as needed.
func (d *IO) WriteAt(offset int64, data []byte) error {
	ranges, err := d.fileRanges(offset, int64(len(data)))
	if err != nil {
		return err
	}
	for _, r := range ranges {
		p := d.path(r.file)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return core.NewDiskError(p, err, "mkdir")
		}
		fh, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return d.classifyWriteError(p, err)
		}
		_, werr := fh.WriteAt(data[r.pieceOffset:r.pieceOffset+r.length], r.fileOffset)
		cerr := fh.Close()
		if werr != nil {
			return d.classifyWriteError(p, werr)
		}
		if cerr != nil {
			return core.NewDiskError(p, cerr, "close after write")
		}
	}
	return nil
}

// classifyWriteError wraps err as a core.DiskFull error when the
// underlying cause is ENOSPC, so callers can distinguish recoverable
// disk-full conditions from fatal disk errors per spec.md 7(c)/(d).
func (d *IO) classifyWriteError(path string, err error) error {
	if isENOSPC(err) {
		avail, _ := d.AvailableBytes()
		return core.NewDiskFullError(0, int64(avail))
	}
	return core.NewDiskError(path, err, "write")
}

// ReadAt reads length bytes starting at the torrent's logical offset,
// splitting across file boundaries as needed.
func (d *IO) ReadAt(offset, length int64) ([]byte, error) {
	ranges, err := d.fileRanges(offset, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	for _, r := range ranges {
		p := d.path(r.file)
		fh, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, core.NewError(core.KindDisk, err, "incomplete: missing underlying file %s", p)
			}
			return nil, core.NewDiskError(p, err, "open")
		}
		_, rerr := fh.ReadAt(buf[r.pieceOffset:r.pieceOffset+r.length], r.fileOffset)
		fh.Close()
		if rerr != nil && rerr != io.EOF {
			return nil, core.NewDiskError(p, rerr, "read")
		}
	}
	return buf, nil
}

// WritePiece writes a whole piece's bytes, at its derived offset.
func (d *IO) WritePiece(index int, data []byte) error {
	offset, err := d.pieceOffset(index)
	if err != nil {
		return err
	}
	return d.WriteAt(offset, data)
}

// ReadPiece reads a whole piece's bytes, at its derived offset.
func (d *IO) ReadPiece(index int) ([]byte, error) {
	offset, err := d.pieceOffset(index)
	if err != nil {
		return nil, err
	}
	length, err := d.meta.ActualPieceLength(index)
	if err != nil {
		return nil, err
	}
	return d.ReadAt(offset, length)
}

func (d *IO) pieceOffset(index int) (int64, error) {
	if index < 0 || index >= d.meta.PieceCount {
		return 0, fmt.Errorf("disk: piece index %d out of range [0,%d)", index, d.meta.PieceCount)
	}
	return int64(index) * d.meta.PieceLength, nil
}

// AvailableBytes returns the bytes available to an unprivileged user on
// the filesystem backing Root.
func (d *IO) AvailableBytes() (uint64, error) {
	if err := os.MkdirAll(d.root, 0755); err != nil {
		return 0, err
	}
	return diskspaceutil.FileSystemAvailable(d.root)
}

// Delete removes every file belonging to the torrent, idempotently, and
// optionally removes now-empty parent directories up to Root.
func (d *IO) Delete(removeEmptyDirs bool) error {
	for _, f := range d.meta.Files {
		p := d.path(f)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return core.NewDiskError(p, err, "delete")
		}
		if removeEmptyDirs {
			dir := filepath.Dir(p)
			for dir != d.root && dir != "." && dir != string(filepath.Separator) {
				if err := os.Remove(dir); err != nil {
					break // not empty, or already gone; stop climbing
				}
				dir = filepath.Dir(dir)
			}
		}
	}
	return nil
}
