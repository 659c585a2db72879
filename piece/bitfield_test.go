package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfieldSetClearLaws(t *testing.T) {
	bf := NewBitfield(10)

	require.NoError(t, bf.Set(3))
	require.NoError(t, bf.Clear(3))
	require.NoError(t, bf.Set(3))
	require.True(t, bf.Test(3))

	// set(clear(b,i),i) = set(b,i)
	a := NewBitfield(10)
	require.NoError(t, a.Set(5))
	b := a.Clone()
	require.NoError(t, b.Clear(5))
	require.NoError(t, b.Set(5))
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestBitfieldPopcountMatchesSetBits(t *testing.T) {
	bf := NewBitfield(20)
	for _, i := range []int{0, 1, 7, 8, 19} {
		require.NoError(t, bf.Set(i))
	}
	require.Equal(t, 5, bf.Popcount())
}

func TestBitfieldOutOfRange(t *testing.T) {
	bf := NewBitfield(4)
	require.False(t, bf.Test(100))
	require.Error(t, bf.Set(100))
	require.Error(t, bf.Clear(-1))
}

func TestBitfieldWireLayoutIsHighBitFirst(t *testing.T) {
	// Piece index 0 is the high bit of byte 0.
	bf := NewBitfield(9)
	require.NoError(t, bf.Set(0))
	require.Equal(t, byte(0x80), bf.Bytes()[0])

	require.NoError(t, bf.Set(8))
	require.Equal(t, byte(0x80), bf.Bytes()[1])
}

func TestNewBitfieldFromBytesRejectsWrongLength(t *testing.T) {
	_, err := NewBitfieldFromBytes([]byte{0x00}, 16)
	require.Error(t, err)
}

func TestNewBitfieldFromBytesRejectsNonZeroPadBits(t *testing.T) {
	// 5 pieces needs 1 byte with 3 pad bits, which must be zero.
	_, err := NewBitfieldFromBytes([]byte{0xFF}, 5)
	require.Error(t, err)

	bf, err := NewBitfieldFromBytes([]byte{0xF8}, 5)
	require.NoError(t, err)
	require.True(t, bf.All())
}
