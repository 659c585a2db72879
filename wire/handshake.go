package wire

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/torrentd/engine/core"
)

const protocolName = "BitTorrent protocol"

// HandshakeLength is the fixed size of a BEP-3 handshake: the pstrlen
// byte, the protocol name, 8 reserved bytes, the info hash and the peer
// id.
const HandshakeLength = 1 + len(protocolName) + 8 + 20 + 20

// Handshake is the parsed form of the 68-byte BEP-3 handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// WriteHandshake writes h to nc, per spec.md 4.5, bounded by timeout.
func WriteHandshake(nc net.Conn, h Handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("wire: set handshake write deadline: %w", err)
	}

	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID[:]...)

	if _, err := nc.Write(buf); err != nil {
		return fmt.Errorf("wire: write handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads and validates a 68-byte handshake from nc, bounded
// by timeout. Reserved bits are returned as-is but otherwise unused by
// this engine, whose own handshakes always send zero reserved bytes.
func ReadHandshake(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("wire: set handshake read deadline: %w", err)
	}

	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake: %w", err)
	}

	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string length %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != protocolName {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string %q", buf[1:1+pstrlen])
	}

	var h Handshake
	off := 1 + pstrlen
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	infoHash, err := core.InfoHashFromRawBytes(buf[off : off+20])
	if err != nil {
		return Handshake{}, err
	}
	h.InfoHash = infoHash
	off += 20
	copy(h.PeerID[:], buf[off:off+20])

	return h, nil
}
