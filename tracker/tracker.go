// Package tracker implements the HTTP (BEP 3) and UDP (BEP 15) tracker
// announce protocols of spec.md 4.10, plus BEP 12 multi-tier
// announce-list handling. Grounded on the retrieval pack's two
// from-scratch tracker clients (_examples/prxssh-rabbit/internal/tracker
// and _examples/shammishailaj-rain/internal/tracker), whose
// HTTPTracker/UDPTracker split and BEP-15 packet-layout code this
// package keeps, adapted to the engine's clock/zap/tally/core.PeerInfo
// conventions in place of those trees' slog/bespoke peer types.
package tracker

import (
	"context"
	"time"

	"github.com/torrentd/engine/core"
)

// Event identifies the announce event field of spec.md 4.10.
type Event int

// Announce events.
const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceRequest carries one announce call's parameters.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Downloaded int64
	Uploaded   int64
	Left       int64
	Event      Event

	// NumWant is the number of peers requested; 0 means "use the
	// tracker's default" per spec.md 4.10.
	NumWant int
}

// AnnounceResponse is the parsed result of one announce call.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []*core.PeerInfo
	Warning     string
}

// Client is implemented by both the HTTP and UDP tracker clients.
type Client interface {
	// Announce performs one announce against a single tracker URL.
	Announce(ctx context.Context, url string, req AnnounceRequest) (*AnnounceResponse, error)

	// Close releases any resources (e.g. a UDP socket) held by the
	// client. Safe to call more than once.
	Close() error
}
