package piece

import (
	"fmt"
	"math/rand"

	"github.com/willf/bitset"

	"github.com/torrentd/engine/utils/heap"
)

// Strategy selects which piece selection algorithm a Selector runs.
type Strategy string

// Piece selection strategies.
const (
	RarestFirst Strategy = "rarest_first"
	Sequential  Strategy = "sequential"
	Random      Strategy = "random"
)

// Selector chooses which piece(s) to request next from a peer, given
// this torrent's rarity counts and a chosen strategy.
type Selector struct {
	availability *PieceAvailability
	strategy     Strategy
	pieceCount   int
}

// NewSelector creates a Selector over availability using strategy.
func NewSelector(availability *PieceAvailability, pieceCount int, strategy Strategy) (*Selector, error) {
	switch strategy {
	case RarestFirst, Sequential, Random:
	default:
		return nil, fmt.Errorf("piece: invalid selection strategy %q", strategy)
	}
	return &Selector{availability: availability, strategy: strategy, pieceCount: pieceCount}, nil
}

// SelectPiece chooses a single piece index from {i : !own[i] && peer[i]
// && i not in inProgress}, returning (0, false) when that set is empty.
func (s *Selector) SelectPiece(own, peer *Bitfield, inProgress *bitset.BitSet) (int, bool) {
	picked := s.SelectPieces(own, peer, inProgress, 1)
	if len(picked) == 0 {
		return 0, false
	}
	return picked[0], true
}

// SelectPieces chooses up to count distinct piece indices from the
// feasible set, which it builds once from own, peer and inProgress,
// without mutating the caller's inProgress set.
func (s *Selector) SelectPieces(own, peer *Bitfield, inProgress *bitset.BitSet, count int) []int {
	if count <= 0 {
		return nil
	}

	candidates := s.buildCandidates(own, peer, inProgress)
	if candidates.None() {
		return nil
	}

	switch s.strategy {
	case RarestFirst:
		return s.selectRarestFirst(candidates, count)
	case Sequential:
		return s.selectSequential(candidates, count)
	case Random:
		return s.selectRandom(candidates, count)
	default:
		return nil
	}
}

func (s *Selector) buildCandidates(own, peer *Bitfield, inProgress *bitset.BitSet) *bitset.BitSet {
	cand := bitset.New(uint(s.pieceCount))
	for i := 0; i < s.pieceCount; i++ {
		if own.Test(i) || !peer.Test(i) {
			continue
		}
		if inProgress != nil && inProgress.Test(uint(i)) {
			continue
		}
		cand.Set(uint(i))
	}
	return cand
}

// selectRarestFirst picks the min-(availability,index) candidates,
// using a priority that encodes both terms so ties always resolve to
// the lower index regardless of heap insertion order.
func (s *Selector) selectRarestFirst(candidates *bitset.BitSet, count int) []int {
	pq := heap.NewPriorityQueue()
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		idx := int(i)
		priority := s.availability.Count(idx)*s.pieceCount + idx
		pq.Push(&heap.Item{Value: idx, Priority: priority})
	}

	picked := make([]int, 0, count)
	for len(picked) < count && pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			break
		}
		picked = append(picked, item.Value.(int))
	}
	return picked
}

func (s *Selector) selectSequential(candidates *bitset.BitSet, count int) []int {
	picked := make([]int, 0, count)
	for i, ok := candidates.NextSet(0); ok && len(picked) < count; i, ok = candidates.NextSet(i + 1) {
		picked = append(picked, int(i))
	}
	return picked
}

// selectRandom uses reservoir sampling so every candidate has equal
// probability of inclusion without materializing the full candidate
// list up front.
func (s *Selector) selectRandom(candidates *bitset.BitSet, count int) []int {
	picked := make([]int, 0, count)
	k := 0
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		idx := int(i)
		if len(picked) < count {
			picked = append(picked, idx)
		} else {
			j := rand.Intn(k + 1)
			if j < count {
				picked[j] = idx
			}
		}
		k++
	}
	return picked
}
