package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	infoHash, err := core.InfoHashFromRawBytes([]byte("abcdefghij0123456789"))
	require.NoError(err)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	want := Handshake{InfoHash: infoHash, PeerID: peerID}

	errCh := make(chan error, 1)
	go func() { errCh <- WriteHandshake(client, want, time.Second) }()

	got, err := ReadHandshake(server, time.Second)
	require.NoError(err)
	require.NoError(<-errCh)

	require.Equal(want.InfoHash, got.InfoHash)
	require.Equal(want.PeerID, got.PeerID)
}

func TestReadHandshakeRejectsWrongProtocol(t *testing.T) {
	require := require.New(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	bad := make([]byte, HandshakeLength)
	bad[0] = byte(len(protocolName))
	copy(bad[1:], "not the right protocol string!!")

	go client.Write(bad)

	_, err := ReadHandshake(server, time.Second)
	require.Error(err)
}
