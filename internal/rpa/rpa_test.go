package rpa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample data from the Core Specification, Vol 3 Part H, appendix D.7.
const (
	sampleIRK     = "ec0234a357c8ad05341010a60a397d9b"
	sampleAddress = "70:81:94:0D:FB:AA"
)

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"  AABBCCDDEEFF ", "AA:BB:CC:DD:EE:FF"},
		{"", ""},
		{"not-a-mac", "NOT:A:MAC"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Normalize(c.in), c.in)
	}
}

func TestIsResolvableAddress(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"3F:11:22:33:44:55", false}, // 00 non-resolvable private
		{"40:11:22:33:44:55", true},  // 01 resolvable private
		{"7F:11:22:33:44:55", true},  // 01 resolvable private
		{"80:11:22:33:44:55", false}, // 10 reserved
		{"C0:11:22:33:44:55", false}, // 11 static random
		{"4011223344aa", true},
		{"40-11-22-33-44-55", true},
		{"garbage", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsResolvableAddress(c.addr), c.addr)
	}
}

func TestHashSampleData(t *testing.T) {
	irk, err := ParseIRK(sampleIRK)
	require.NoError(t, err)

	hash, err := Hash(irk, []byte{0x70, 0x81, 0x94})
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0x0D, 0xFB, 0xAA}, hash)
	assert.True(t, Resolve(irk, sampleAddress))
	assert.True(t, Resolve(irk, "708194-0dfbaa"))
}

func TestResolveRoundTrip(t *testing.T) {
	irk, err := ParseIRK("00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	addr, err := Generate(irk, []byte{0x12, 0x34, 0x56})
	require.NoError(t, err)
	assert.True(t, IsResolvableAddress(addr))
	assert.Equal(t, "52:34:56", addr[:8])
	assert.True(t, Resolve(irk, addr))

	// deterministic
	for i := 0; i < 5; i++ {
		assert.True(t, Resolve(irk, addr))
	}

	other, err := ParseIRK(sampleIRK)
	require.NoError(t, err)
	assert.False(t, Resolve(other, addr))
}

func TestResolveFailsClosed(t *testing.T) {
	irk, err := ParseIRK(sampleIRK)
	require.NoError(t, err)

	assert.False(t, Resolve(irk[:15], sampleAddress), "short IRK")
	assert.False(t, Resolve(append(irk, 0x00), sampleAddress), "long IRK")
	assert.False(t, Resolve(nil, sampleAddress), "nil IRK")
	assert.False(t, Resolve(irk, "70:81:94:0D:FB"), "five octets")
	assert.False(t, Resolve(irk, "zz:81:94:0D:FB:AA"), "bad hex")
	assert.False(t, Resolve(irk, "F0:81:94:0D:FB:AA"), "not RPA shaped")
	assert.False(t, Resolve(irk, "70:81:94:0D:FB:AB"), "hash mismatch")
	assert.Zero(t, CipherFailures())
}

func TestParseIRK(t *testing.T) {
	for _, in := range []string{
		sampleIRK,
		"0x" + sampleIRK,
		"EC:02:34:A3:57:C8:AD:05:34:10:10:A6:0A:39:7D:9B",
	} {
		b, err := ParseIRK(in)
		require.NoError(t, err, in)
		assert.Len(t, b, IRKSize)
	}

	_, err := ParseIRK("abcd")
	assert.ErrorIs(t, err, ErrIRKLength)
	_, err = ParseIRK("xyz")
	assert.Error(t, err)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	_, err := Generate(make([]byte, IRKSize), []byte{1, 2})
	assert.ErrorIs(t, err, ErrPrandShape)
	_, err = Generate(make([]byte, 4), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrIRKLength)
}
