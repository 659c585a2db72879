package session

import (
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/wire"
)

// binding implements peermgr.Binding, routing connection lifecycle
// callbacks from the shared peer manager into this session's own
// dispatcher table. A thin indirection rather than Session itself
// implementing Binding directly, so Session's public surface doesn't
// have to expose peermgr-specific method names.
type binding struct {
	s *Session
}

// NewEvents creates (or recreates) the wire.Events sink for peerID,
// called by the peer manager before a connection's handshake has even
// completed.
func (b *binding) NewEvents(peerID core.PeerID) wire.Events {
	d := newPeerDispatcher(b.s, peerID)
	b.s.mu.Lock()
	b.s.dispatchers[peerID] = d
	b.s.mu.Unlock()
	return d
}

// OnConnected attaches the live Conn to peerID's dispatcher and kicks
// off the initial bitfield exchange.
func (b *binding) OnConnected(peerID core.PeerID, c *wire.Conn) {
	b.s.mu.Lock()
	d, ok := b.s.dispatchers[peerID]
	b.s.mu.Unlock()
	if !ok {
		return
	}
	d.onConnected(c)
}

// OnDisconnected tears down peerID's dispatcher state and releases its
// contribution to piece availability.
func (b *binding) OnDisconnected(peerID core.PeerID, err error) {
	b.s.mu.Lock()
	delete(b.s.dispatchers, peerID)
	b.s.mu.Unlock()
	b.s.availability.OnPeerDrop(peerID)
}
