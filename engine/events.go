package engine

import (
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/session"
)

// Event is the closed set of push events the engine emits, per spec.md 6
// ("push events {torrent:added|removed|progress|completed,
// engine:stopped}") and spec.md 9's guidance to use typed variants
// instead of an untyped on(name, fn) registry. A type switch on the
// concrete type is how a subscriber dispatches.
type Event interface {
	isEvent()
}

// TorrentAdded fires once AddTorrent has registered a new session.
type TorrentAdded struct {
	InfoHash core.InfoHash
	Name     string
}

// TorrentRemoved fires once RemoveTorrent has fully torn a session down.
type TorrentRemoved struct {
	InfoHash core.InfoHash
}

// TorrentProgress carries one torrent's periodic progress snapshot,
// forwarded from session.Progress.
type TorrentProgress struct {
	session.Progress
}

// TorrentCompleted fires the first time a torrent's piece map reaches
// 100%.
type TorrentCompleted struct {
	InfoHash core.InfoHash
}

// EngineStopped fires once Stop has finished tearing down every
// singleton.
type EngineStopped struct{}

func (TorrentAdded) isEvent()     {}
func (TorrentRemoved) isEvent()   {}
func (TorrentProgress) isEvent()  {}
func (TorrentCompleted) isEvent() {}
func (EngineStopped) isEvent()    {}
