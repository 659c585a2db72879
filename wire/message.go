// Package wire implements the BEP-3 peer wire protocol: the 68-byte
// handshake, length-prefixed message framing, and the Conn connection
// lifecycle state machine. Framing is grounded on the shape of
// lib/torrent/scheduler/conn/message.go's sendMessage/readMessage pair
// (a length-prefixed frame written/read with a deadline set directly on
// the net.Conn, since deadlines are a property of the OS socket and not
// of the injected clock), generalized from that file's single protobuf
// envelope to BEP-3's ten fixed wire messages.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// ID identifies a wire message type. Keep-alive messages carry no ID byte
// at all, so for them the ID field is unused (its zero value is Choke).
type ID byte

// Message IDs, per spec.md 4.5.
const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// MaxBlockSize is the conservative cap on request/piece lengths; requests
// above it are protocol violations (spec.md 4.5).
const MaxBlockSize = 128 * 1024

// MaxMessageLength bounds the u32 length prefix so a malicious or corrupt
// peer cannot force an unbounded allocation; sized for the largest legal
// piece message (9-byte header + MaxBlockSize payload).
const MaxMessageLength = 9 + MaxBlockSize

// Message is one parsed wire-protocol message. KeepAlive is true for a
// zero-length frame, in which case no other field is meaningful.
type Message struct {
	KeepAlive bool
	ID        ID

	// Have
	Piece int

	// Bitfield
	BitfieldBytes []byte

	// Request / Cancel
	Begin  int
	Length int

	// Piece (the message, not the Piece field above's namesake ID)
	Block []byte
}

// KeepAliveMessage constructs a keep-alive frame.
func KeepAliveMessage() *Message { return &Message{KeepAlive: true} }

// ChokeMessage, UnchokeMessage, InterestedMessage and
// NotInterestedMessage construct their respective zero-payload messages.
func ChokeMessage() *Message         { return &Message{ID: Choke} }
func UnchokeMessage() *Message       { return &Message{ID: Unchoke} }
func InterestedMessage() *Message    { return &Message{ID: Interested} }
func NotInterestedMessage() *Message { return &Message{ID: NotInterested} }

// HaveMessage constructs a have(piece) message.
func HaveMessage(piece int) *Message { return &Message{ID: Have, Piece: piece} }

// BitfieldMessage constructs a bitfield message from raw wire bytes.
func BitfieldMessage(b []byte) *Message { return &Message{ID: Bitfield, BitfieldBytes: b} }

// RequestMessage constructs a request(piece, begin, length) message.
func RequestMessage(piece, begin, length int) *Message {
	return &Message{ID: Request, Piece: piece, Begin: begin, Length: length}
}

// CancelMessage constructs a cancel(piece, begin, length) message.
func CancelMessage(piece, begin, length int) *Message {
	return &Message{ID: Cancel, Piece: piece, Begin: begin, Length: length}
}

// PieceMessage constructs a piece(piece, begin, block) message.
func PieceMessage(piece, begin int, block []byte) *Message {
	return &Message{ID: Piece, Piece: piece, Begin: begin, Block: block}
}

// Encode writes m's wire-format frame to w.
func Encode(w io.Writer, m *Message) error {
	if m.KeepAlive {
		return writeUint32(w, 0)
	}

	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.Piece))
	case Bitfield:
		payload = m.BitfieldBytes
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Piece))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(m.Length))
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Piece))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		copy(payload[8:], m.Block)
	default:
		return fmt.Errorf("wire: unknown message id %d", m.ID)
	}

	length := 1 + len(payload)
	if err := writeUint32(w, uint32(length)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.ID)}); err != nil {
		return fmt.Errorf("wire: write id: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// Decode reads one wire-format frame from r.
func Decode(r io.Reader) (*Message, error) {
	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if length > MaxMessageLength {
		return nil, fmt.Errorf("wire: message length %d exceeds max %d", length, MaxMessageLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}
	id := ID(body[0])
	payload := body[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		return &Message{ID: id}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("wire: have payload length %d, want 4", len(payload))
		}
		return HaveMessage(int(binary.BigEndian.Uint32(payload))), nil
	case Bitfield:
		return BitfieldMessage(payload), nil
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("wire: %s payload length %d, want 12", id, len(payload))
		}
		piece := int(binary.BigEndian.Uint32(payload[0:4]))
		begin := int(binary.BigEndian.Uint32(payload[4:8]))
		reqLen := int(binary.BigEndian.Uint32(payload[8:12]))
		if id == Request {
			return RequestMessage(piece, begin, reqLen), nil
		}
		return CancelMessage(piece, begin, reqLen), nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("wire: piece payload length %d, want >= 8", len(payload))
		}
		piece := int(binary.BigEndian.Uint32(payload[0:4]))
		begin := int(binary.BigEndian.Uint32(payload[4:8]))
		return PieceMessage(piece, begin, payload[8:]), nil
	default:
		return nil, fmt.Errorf("wire: unknown message id %d", id)
	}
}

// EncodeWithTimeout writes m to nc, bounding the write with a deadline
// set directly on the socket (net.Conn deadlines always use the system
// clock, regardless of any injected clock.Clock used for higher-level
// timers).
func EncodeWithTimeout(nc net.Conn, m *Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	return Encode(nc, m)
}

// DecodeWithTimeout reads one message from nc, bounding the read with a
// deadline set directly on the socket.
func DecodeWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("wire: set read deadline: %w", err)
		}
	} else {
		_ = nc.SetReadDeadline(time.Time{})
	}
	return Decode(nc)
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	if err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read length: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
