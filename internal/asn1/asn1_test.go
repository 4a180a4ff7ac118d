package asn1

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOIDEncodingScenarioS1(t *testing.T) {
	oid, err := ParseOIDString("1.2.840.113549.1.1.1")
	require.NoError(t, err)
	v := NewOID(oid)
	der, err := Encode(v)
	require.NoError(t, err)
	want := []byte{0x06, 0x09, 0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x01, 0x01}
	assert.Equal(t, want, der)

	parsed, n, err := Parse(der, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(der), n)
	assert.True(t, oid.Equal(parsed.OID))
}

func TestBooleanScenarioS2(t *testing.T) {
	der, err := Encode(NewBoolean(true))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01, 0xFF}, der)

	der, err = Encode(NewBoolean(false))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01, 0x00}, der)
}

func TestSmallIntegerScenarioS3(t *testing.T) {
	cases := []struct {
		n    int64
		want []byte
	}{
		{0, []byte{0x02, 0x01, 0x00}},
		{-1, []byte{0x02, 0x01, 0xFF}},
		{127, []byte{0x02, 0x01, 0x7F}},
		{128, []byte{0x02, 0x02, 0x00, 0x80}},
	}
	for _, c := range cases {
		der, err := Encode(NewInteger(big.NewInt(c.n)))
		require.NoError(t, err)
		assert.Equal(t, c.want, der, "n=%d", c.n)

		parsed, _, err := Parse(der, ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, c.n, parsed.Int.Int64())
	}
}

func TestUTCTimeBoundaryScenarioS4(t *testing.T) {
	ts := time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC)
	der, err := Encode(NewUTCTime(ts))
	require.NoError(t, err)
	// tag 0x17, length 13, content "110101000000Z"
	assert.Equal(t, byte(0x17), der[0])
	assert.Equal(t, byte(13), der[1])
	assert.Equal(t, "110101000000Z", string(der[2:]))

	parsed, _, err := Parse(der, ParseOptions{})
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed.Time))
}

func TestIntegerRoundTripIsMinimal(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 127, 128, -128, -129, 255, 256, 1 << 20, -(1 << 20)} {
		v := NewInteger(big.NewInt(n))
		der, err := Encode(v)
		require.NoError(t, err)
		parsed, consumed, err := Parse(der, ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, len(der), consumed)
		assert.True(t, v.Equal(parsed), "n=%d", n)
		// re-encoding the parsed value is byte-identical (canonical DER)
		reDER, err := Encode(parsed)
		require.NoError(t, err)
		assert.Equal(t, der, reDER)
	}
}

func TestSequenceDERRoundTrip(t *testing.T) {
	seq := NewSequence(
		NewInteger(big.NewInt(5)),
		NewOctetString([]byte("hi")),
		NewBoolean(true),
	)
	der, err := Encode(seq)
	require.NoError(t, err)

	parsed, n, err := Parse(der, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(der), n)
	assert.True(t, seq.Equal(parsed))
}

func TestSetDERCanonicalOrdering(t *testing.T) {
	// Three elements whose DER encodings sort differently than their
	// construction order.
	set := NewSet(
		NewInteger(big.NewInt(300)), // 02 02 01 2C
		NewInteger(big.NewInt(1)),   // 02 01 01
		NewInteger(big.NewInt(2)),   // 02 01 02
	)
	der, err := Encode(set)
	require.NoError(t, err)

	e1, _ := Encode(NewInteger(big.NewInt(1)))
	e2, _ := Encode(NewInteger(big.NewInt(2)))
	e3, _ := Encode(NewInteger(big.NewInt(300)))
	want := append([]byte{0x31, byte(len(e1) + len(e2) + len(e3))}, append(append(e1, e2...), e3...)...)
	assert.Equal(t, want, der)
}

func TestTaggedExplicitAndImplicit(t *testing.T) {
	inner := NewInteger(big.NewInt(42))
	explicit := NewTagged(Tag{Class: ClassContext, Number: 0}, true, inner)
	der, err := Encode(explicit)
	require.NoError(t, err)
	parsed, _, err := Parse(der, ParseOptions{})
	require.NoError(t, err)
	assert.True(t, explicit.Equal(parsed))

	implicitDef := TaggedDef(Tag{Class: ClassContext, Number: 1}, false, PrimitiveDef(KindInteger, TagInteger, "INTEGER"))
	implicit := NewTagged(Tag{Class: ClassContext, Number: 1}, false, inner)
	der2, err := Encode(implicit)
	require.NoError(t, err)
	parsed2, n2, err := implicitDef.Parse(der2, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(der2), n2)
	assert.Equal(t, KindInteger, parsed2.Inner.Kind)
	assert.Equal(t, int64(42), parsed2.Inner.Int.Int64())
}

func TestSequenceDefOptionalAndDefault(t *testing.T) {
	def := SequenceDef("Widget",
		FieldDef{Def: PrimitiveDef(KindInteger, TagInteger, "INTEGER"), Name: "id"},
		FieldDef{Def: PrimitiveDef(KindBoolean, TagBoolean, "BOOLEAN"), Name: "flag", Default: NewBoolean(false)},
		FieldDef{Def: PrimitiveDef(KindUTF8String, TagUTF8String, "UTF8String"), Name: "note", Optional: true},
	)
	raw := NewSequence(NewInteger(big.NewInt(7)))
	der, err := Encode(raw)
	require.NoError(t, err)

	parsed, n, err := def.Parse(der, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(der), n)
	assert.Equal(t, int64(7), parsed.Named("id").Int.Int64())
	assert.False(t, parsed.Named("flag").Bool)
	assert.Nil(t, parsed.Named("note"))
}

