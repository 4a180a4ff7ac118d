package intcodec

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPosIntRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 127, 128, 255, 256, 65535, 1 << 20} {
		b := big.NewInt(n)
		enc := PosIntToBytes(b)
		if n != 0 {
			assert.NotEqual(t, byte(0x00), enc[0], "n=%d should have no leading 0x00", n)
		}
		dec := BytesToPosInt(enc)
		assert.Equal(t, 0, b.Cmp(dec), "n=%d", n)
	}
}

func TestSignedIntRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 127, -127, 99999, -99999} {
		b := big.NewInt(n)
		dec := BytesToSignedInt(SignedIntToBytes(b))
		assert.Equal(t, b, dec)
	}
}

func TestNetbytesBoundaryScenarios(t *testing.T) {
	assert.Equal(t, []byte{0xF6}, PosIntToNetbytes(big.NewInt(246)))
	assert.Equal(t, []byte{0xF7, 0x00}, PosIntToNetbytes(big.NewInt(247)))
	assert.Equal(t, []byte{0xF7, 0x01}, PosIntToNetbytes(big.NewInt(248)))
}

func TestNetbytesRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 246, 247, 248, 500, 100000, 1 << 30} {
		enc := PosIntToNetbytes(big.NewInt(n))
		r := NetbytesToPosInt(enc)
		if assert.True(t, r.Complete) {
			assert.Equal(t, big.NewInt(n), r.Value)
			assert.Equal(t, len(enc), r.Read)
		}
	}
}

func TestNetbytesInsufficientData(t *testing.T) {
	full := PosIntToNetbytes(big.NewInt(100000))
	r := NetbytesToPosInt(full[:1])
	assert.False(t, r.Complete)
	assert.Greater(t, r.MinBytes, 0)
}
