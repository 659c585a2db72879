// Package persist implements the on-disk torrent state file of
// spec.md 6: one JSON file per torrent under
// <dataDir>/torrents/<info-hash>.json, written atomically (write to a
// temp file, then rename) following the same crash-safety pattern as
// the teacher's own file-based stores under lib/store.
package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/piece"
)

// CurrentVersion gates future migrations of the on-disk record format.
const CurrentVersion = 1

// Record is the persisted state of one torrent.
type Record struct {
	Version int `json:"version"`

	InfoHash     string            `json:"info_hash"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	DataDir      string            `json:"data_dir"`
	DownloadPath string            `json:"download_path"`
	Labels       map[string]string `json:"labels,omitempty"`

	Downloaded int64 `json:"downloaded"`
	Uploaded   int64 `json:"uploaded"`

	TotalLength int64 `json:"total_length"`
	PieceLength int64 `json:"piece_length"`
	PieceCount  int   `json:"piece_count"`

	AddedAt     time.Time  `json:"added_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CompletedPieces is the base64 encoding of the ceil(n/8)-byte
	// completed-pieces bitfield, per spec.md 6.
	CompletedPieces string `json:"completed_pieces"`
}

// Store reads and writes Records under dataDir/torrents.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dataDir. The torrents/
// subdirectory is created lazily on first Save.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "torrents")}
}

func (s *Store) path(h core.InfoHash) string {
	return filepath.Join(s.dir, h.Hex()+".json")
}

// Save writes r to its info-hash-keyed file, replacing any existing
// record atomically.
func (s *Store) Save(r *Record) error {
	if r.Version == 0 {
		r.Version = CurrentVersion
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return core.NewDiskError(s.dir, err, "create torrents dir")
	}

	h, err := core.NewInfoHashFromHex(r.InfoHash)
	if err != nil {
		return core.NewError(core.KindMetadata, err, "invalid info hash %q", r.InfoHash)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal record: %w", err)
	}

	dst := s.path(h)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return core.NewDiskError(tmp, err, "write record")
	}
	if err := os.Rename(tmp, dst); err != nil {
		return core.NewDiskError(dst, err, "rename record into place")
	}
	return nil
}

// Load reads h's persisted record, if any.
func (s *Store) Load(h core.InfoHash) (*Record, error) {
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		return nil, core.NewDiskError(s.path(h), err, "read record")
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("persist: unmarshal record: %w", err)
	}
	if r.Version != CurrentVersion {
		return nil, fmt.Errorf("persist: unsupported record version %d", r.Version)
	}
	return &r, nil
}

// LoadAll reads every persisted record under the torrents directory,
// skipping (and logging via the returned error slice) any file that
// fails to parse rather than aborting the whole scan.
func (s *Store) LoadAll() ([]*Record, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{core.NewDiskError(s.dir, err, "read torrents dir")}
	}

	var records []*Record
	var errs []error
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			errs = append(errs, fmt.Errorf("persist: %s: %w", e.Name(), err))
			continue
		}
		records = append(records, &r)
	}
	return records, errs
}

// Delete removes h's persisted record, if present. Idempotent.
func (s *Store) Delete(h core.InfoHash) error {
	err := os.Remove(s.path(h))
	if err != nil && !os.IsNotExist(err) {
		return core.NewDiskError(s.path(h), err, "delete record")
	}
	return nil
}

// EncodeBitfield base64-encodes bf's raw bytes for the
// CompletedPieces field.
func EncodeBitfield(bf *piece.Bitfield) string {
	return base64.StdEncoding.EncodeToString(bf.Bytes())
}

// DecodeBitfield reverses EncodeBitfield, reconstructing a Bitfield of
// n pieces.
func DecodeBitfield(s string, n int) (*piece.Bitfield, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("persist: decode bitfield: %w", err)
	}
	return piece.NewBitfieldFromBytes(b, n)
}
