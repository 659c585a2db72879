// Package engine assembles the session manager, peer manager, tracker
// clients, and bandwidth limiter into the single façade an (out-of-scope)
// IPC layer embeds, per spec.md 6's "stable library API" requirement and
// SPEC_FULL.md's "Engine façade" supplemental component. Grounded on
// lib/torrent/client.go's SchedulerClient: a Config-driven constructor
// that wires a scheduler plus its store/archive singletons behind a
// small operation-set interface, generalized here to this module's own
// session/peermgr/tracker/bandwidth singletons and spec.md 6's exact
// operation set.
package engine

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/torrentd/engine/bandwidth"
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/internal/log"
	"github.com/torrentd/engine/peermgr"
	"github.com/torrentd/engine/session"
	"github.com/torrentd/engine/tracker"
)

// EncryptionMode is the message-stream-encryption policy named in
// spec.md 6. The engine core never speaks MSE (spec.md 1's Non-goals);
// this is a forward-compatibility hook only.
type EncryptionMode string

// Encryption modes.
const (
	EncryptionPrefer   EncryptionMode = "prefer"
	EncryptionRequire  EncryptionMode = "require"
	EncryptionDisabled EncryptionMode = "disabled"
)

// Config is the engine's top-level configuration, the union of every
// option spec.md 6 names plus the sub-configs each owned component
// defines for itself.
type Config struct {
	DataDir                  string         `yaml:"data_dir"`
	DownloadPath             string         `yaml:"download_path"`
	MaxConnections           int            `yaml:"max_connections"`
	MaxConnectionsPerTorrent int            `yaml:"max_connections_per_torrent"`
	MaxUploadSpeed           uint64         `yaml:"max_upload_speed"`
	MaxDownloadSpeed         uint64         `yaml:"max_download_speed"`
	PortRangeStart           int            `yaml:"port_range_start"`
	PortRangeEnd             int            `yaml:"port_range_end"`
	Port                     int            `yaml:"port"`
	VerifyOnAdd              bool           `yaml:"verify_on_add"`
	StartOnAdd               bool           `yaml:"start_on_add"`
	MaxActiveTorrents        int            `yaml:"max_active_torrents"`
	EncryptionMode           EncryptionMode `yaml:"encryption_mode"`

	PeerIDFactory core.PeerIDFactory `yaml:"peer_id_factory"`

	// Log configures the default logger New builds when the caller
	// passes a nil *zap.SugaredLogger, for embedders that don't already
	// own a configured zap instance.
	Log log.Config `yaml:"log"`

	Peer     peermgr.Config     `yaml:"peer"`
	Session  session.Config     `yaml:"session"`
	HTTP     tracker.HTTPConfig `yaml:"http_tracker"`
	UDP      tracker.UDPConfig  `yaml:"udp_tracker"`
	EventBuf int                `yaml:"event_buffer"`
}

// applyDefaults fills in a default for each zero-valued option below.
// VerifyOnAdd and StartOnAdd are plain bools and get no default: they
// stay false unless the caller sets them.
func (c Config) applyDefaults() (Config, error) {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.DownloadPath == "" {
		c.DownloadPath = c.DataDir
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.MaxConnectionsPerTorrent == 0 {
		c.MaxConnectionsPerTorrent = 30
	}
	if c.PortRangeStart == 0 && c.PortRangeEnd == 0 {
		c.PortRangeStart, c.PortRangeEnd = 6881, 6889
	}
	if c.Port == 0 {
		c.Port = c.PortRangeStart
	}
	if c.MaxActiveTorrents == 0 {
		c.MaxActiveTorrents = 5
	}
	if c.EncryptionMode == "" {
		c.EncryptionMode = EncryptionPrefer
	}
	if c.EncryptionMode == EncryptionRequire {
		// spec.md 6: "reject `require` in v1 with an explicit error."
		return Config{}, core.NewError(core.KindProtocol, nil,
			"encryption_mode=require is not supported in this version")
	}
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.RandomPeerIDFactory
	}
	if c.EventBuf == 0 {
		c.EventBuf = 256
	}
	c.Peer.MaxConnections = c.MaxConnections
	c.Peer.MaxConnectionsPerTorrent = c.MaxConnectionsPerTorrent
	if c.Peer.ListenAddr == "" {
		c.Peer.ListenAddr = fmt.Sprintf(":%d", c.Port)
	}
	c.Session.MaxConnectionsPerTorrent = c.MaxConnectionsPerTorrent
	c.Session.VerifyOnAdd = c.VerifyOnAdd
	return c, nil
}

// bandwidthConfig derives the Limiter config from the top-level speed
// settings (bytes/sec, 0 = unlimited per spec.md 6).
func (c Config) bandwidthConfig() bandwidth.Config {
	return bandwidth.Config{
		DownloadRate: datasize.ByteSize(c.MaxDownloadSpeed),
		UploadRate:   datasize.ByteSize(c.MaxUploadSpeed),
		TickInterval: 100 * time.Millisecond,
	}
}
