package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/torrentd/engine/bandwidth"
	"github.com/torrentd/engine/choke"
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/peermgr"
	"github.com/torrentd/engine/piece"
	"github.com/torrentd/engine/wire"
)

// peerDispatcher is the wire.Events sink for one connected peer. It is
// owned exclusively by the Session that created it. Callbacks of
// different peers run on their own connections' goroutines and so can
// run at the same time; the session's piece map and availability table
// they share lock internally, and the Session's own fields are touched
// only under the session's mutex.
type peerDispatcher struct {
	s      *Session
	peerID core.PeerID

	mu             sync.Mutex
	conn           *wire.Conn
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	lastPiece      time.Time

	// current outstanding request, if any; the dispatcher keeps a
	// one-block request window per peer to keep request bookkeeping
	// simple, matching the conservative default of several real
	// clients before pipelining is tuned.
	reqPiece int
	reqBlock int
	reqing   bool
}

func newPeerDispatcher(s *Session, peerID core.PeerID) *peerDispatcher {
	return &peerDispatcher{
		s:           s,
		peerID:      peerID,
		amChoking:   true,
		peerChoking: true,
	}
}

func (d *peerDispatcher) onConnected(c *wire.Conn) {
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()

	bf := d.s.pieceMap.Bitfield()
	<-c.Send(wire.BitfieldMessage(bf.Bytes()))
	<-c.Send(wire.InterestedMessage())
	d.mu.Lock()
	d.amInterested = true
	d.mu.Unlock()
}

func (d *peerDispatcher) choketState() choke.PeerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return choke.PeerState{
		PeerID:            d.peerID,
		DownloadRate:      d.s.peerMgr.PeerRate(d.s.meta.InfoHash, d.peerID, peermgr.Download),
		UploadRate:        d.s.peerMgr.PeerRate(d.s.meta.InfoHash, d.peerID, peermgr.Upload),
		AmChoking:         d.amChoking,
		AmInterested:      d.amInterested,
		PeerInterested:    d.peerInterested,
		PeerChoking:       d.peerChoking,
		LastPieceReceived: d.lastPiece,
	}
}

func (d *peerDispatcher) applyChoke(choked bool) {
	d.mu.Lock()
	changed := d.amChoking != choked
	d.amChoking = choked
	conn := d.conn
	d.mu.Unlock()
	if !changed || conn == nil {
		return
	}
	if choked {
		conn.Send(wire.ChokeMessage())
	} else {
		conn.Send(wire.UnchokeMessage())
		d.requestNext()
	}
}

func (d *peerDispatcher) sendHave(index int) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Send(wire.HaveMessage(index))
}

// OnChoke implements wire.Events: the remote peer has choked us.
func (d *peerDispatcher) OnChoke() {
	d.mu.Lock()
	d.peerChoking = true
	d.mu.Unlock()
}

// OnUnchoke implements wire.Events: the remote peer has unchoked us;
// start (or resume) requesting pieces from it.
func (d *peerDispatcher) OnUnchoke() {
	d.mu.Lock()
	d.peerChoking = false
	d.mu.Unlock()
	d.requestNext()
}

// OnInterested implements wire.Events.
func (d *peerDispatcher) OnInterested() {
	d.mu.Lock()
	d.peerInterested = true
	d.mu.Unlock()
}

// OnNotInterested implements wire.Events.
func (d *peerDispatcher) OnNotInterested() {
	d.mu.Lock()
	d.peerInterested = false
	d.mu.Unlock()
}

// OnHave implements wire.Events: record the peer's newly announced
// piece in the shared availability table.
func (d *peerDispatcher) OnHave(index int) {
	if err := d.s.availability.OnPeerHave(d.peerID, index); err != nil {
		d.s.logger.Debugw("have out of range", "peer", d.peerID, "piece", index, "error", err)
		return
	}
	d.requestNext()
}

// OnBitfield implements wire.Events: record the peer's full bitfield.
func (d *peerDispatcher) OnBitfield(b []byte) {
	bf, err := piece.NewBitfieldFromBytes(b, d.s.meta.PieceCount)
	if err != nil {
		d.s.logger.Warnw("malformed bitfield", "peer", d.peerID, "error", err)
		return
	}
	d.s.availability.OnPeerBitfield(d.peerID, bf)
	d.requestNext()
}

// OnRequest implements wire.Events: serve a block if the peer is
// unchoked and we have the piece.
func (d *peerDispatcher) OnRequest(index, begin, length int) {
	d.mu.Lock()
	choking := d.amChoking
	conn := d.conn
	d.mu.Unlock()
	if choking || conn == nil {
		return
	}
	if !d.s.pieceMap.IsComplete(index) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.s.bw.Request(ctx, int64(length), bandwidth.Upload, &d.s.meta.InfoHash); err != nil {
		return
	}

	data, err := d.s.disk.Read(index)
	if err != nil {
		d.s.logger.Warnw("read for upload failed", "piece", index, "error", err)
		return
	}
	if begin+length > len(data) {
		return
	}
	block := data[begin : begin+length]
	conn.Send(wire.PieceMessage(index, begin, block))
	d.s.peerMgr.RecordBytes(d.s.meta.InfoHash, d.peerID, peermgr.Upload, int64(length))
	d.s.recordUploaded(int64(length))
}

// OnPiece implements wire.Events: assemble the block into the piece
// map, verify on completion, and request the next block/piece.
func (d *peerDispatcher) OnPiece(index, begin int, block []byte) {
	d.mu.Lock()
	d.lastPiece = d.s.clk.Now()
	d.reqing = false
	d.mu.Unlock()

	d.s.peerMgr.RecordBytes(d.s.meta.InfoHash, d.peerID, peermgr.Download, int64(len(block)))
	d.s.recordDownloaded(int64(len(block)))

	length, err := pieceLength(d.s, index)
	if err != nil {
		d.s.logger.Warnw("piece out of range", "piece", index, "error", err)
		return
	}
	ps, err := d.s.pieceMap.GetOrCreate(index, length)
	if err != nil {
		// Already completed: duplicate/late block, idempotent no-op
		// per spec.md 5's "piece messages for the same block are
		// idempotent" guarantee.
		return
	}
	blockIdx := begin / piece.BlockSize
	if err := ps.WriteBlock(blockIdx, begin, block); err != nil {
		if errors.Is(err, piece.ErrBlockNotRequested) {
			// Cancel race: drop the data, keep the connection open.
			d.s.logger.Debugw("dropped unrequested block", "peer", d.peerID, "piece", index, "begin", begin)
			return
		}
		d.s.logger.Warnw("write block failed", "piece", index, "error", err)
		return
	}

	if ps.IsComplete() {
		data := ps.Data()
		ok, verr := piece.VerifyAsync(d.s.meta, index, data)
		if verr != nil {
			d.s.logger.Errorw("verify piece", "piece", index, "error", verr)
			ok = false
		}
		d.s.handlePieceVerified(index, data, ok)
		return
	}

	d.requestNext()
}

// OnCancel implements wire.Events; best-effort, no in-flight upload
// queue to cancel against in this implementation.
func (d *peerDispatcher) OnCancel(index, begin, length int) {}

// OnClose implements wire.Events.
func (d *peerDispatcher) OnClose(err error) {
	d.s.availability.OnPeerDrop(d.peerID)
}

func pieceLength(s *Session, index int) (int64, error) {
	return s.meta.ActualPieceLength(index)
}

// requestNext selects the next piece/block to request from this peer,
// if we are not already waiting on a request and the peer has
// unchoked us.
func (d *peerDispatcher) requestNext() {
	d.mu.Lock()
	if d.reqing || d.peerChoking || d.conn == nil {
		d.mu.Unlock()
		return
	}
	conn := d.conn
	d.mu.Unlock()

	peerBF, ok := d.s.availability.PeerBitfield(d.peerID)
	if !ok {
		return
	}
	own := d.s.pieceMap.Bitfield()

	d.s.mu.Lock()
	inProgress := d.s.requesting.Clone()
	d.s.mu.Unlock()

	index, found := d.s.selector.SelectPiece(own, peerBF, inProgress)
	if !found {
		return
	}

	length, err := d.s.meta.ActualPieceLength(index)
	if err != nil {
		return
	}
	ps, err := d.s.pieceMap.GetOrCreate(index, length)
	if err != nil {
		return
	}

	blockIdx := -1
	for i := 0; i < ps.NumBlocks(); i++ {
		bs, _ := ps.BlockState(i)
		if bs == piece.BlockMissing {
			blockIdx = i
			break
		}
	}
	if blockIdx == -1 {
		return
	}
	blockLen, err := ps.BlockLength(blockIdx)
	if err != nil {
		return
	}

	d.s.mu.Lock()
	d.s.requesting.Set(uint(index))
	d.s.mu.Unlock()

	ps.MarkRequested(blockIdx)

	d.mu.Lock()
	d.reqing = true
	d.reqPiece = index
	d.reqBlock = blockIdx
	d.mu.Unlock()

	begin := blockIdx * piece.BlockSize
	conn.Send(wire.RequestMessage(index, begin, int(blockLen)))
}
