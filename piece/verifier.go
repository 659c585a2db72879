package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/torrentd/engine/metainfo"
)

// Verify reports whether data hashes to the expected SHA-1 digest for
// piece index.
func Verify(m *metainfo.TorrentMetadata, index int, data []byte) (bool, error) {
	want, err := m.PieceHash(index)
	if err != nil {
		return false, err
	}
	got := sha1.Sum(data)
	return bytes.Equal(got[:], want), nil
}

// VerifyAsync behaves like Verify but yields the goroutine before
// hashing, so a cooperative scheduler built atop goroutines can
// interleave other work ahead of a potentially large SHA-1 computation.
func VerifyAsync(m *metainfo.TorrentMetadata, index int, data []byte) (bool, error) {
	runtime.Gosched()
	return Verify(m, index, data)
}

// BatchResult is the outcome of verifying one piece in a VerifyBatch call.
type BatchResult struct {
	Index int
	Valid bool
}

// VerifyBatch verifies every index in indices against its source via
// read, using up to concurrency goroutines. Indices out of range are
// fatal and abort the whole batch.
func VerifyBatch(
	m *metainfo.TorrentMetadata,
	indices []int,
	concurrency int,
	read func(index int) ([]byte, error),
) ([]BatchResult, error) {

	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]BatchResult, len(indices))
	sem := make(chan struct{}, concurrency)
	var g errgroup.Group

	for pos, index := range indices {
		pos, index := pos, index
		if index < 0 || index >= m.PieceCount {
			return nil, fmt.Errorf("piece: verify batch index %d out of range [0,%d)", index, m.PieceCount)
		}
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			data, err := read(index)
			if err != nil {
				results[pos] = BatchResult{Index: index, Valid: false}
				return nil
			}
			ok, err := VerifyAsync(m, index, data)
			if err != nil {
				return err
			}
			results[pos] = BatchResult{Index: index, Valid: ok}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
