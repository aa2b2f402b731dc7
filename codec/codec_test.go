package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressBelowThresholdIsIdentity(t *testing.T) {
	var c = New(256)
	var input = []byte("short payload")
	var out, compressed = c.Compress(input)

	assert.False(t, compressed)
	assert.Equal(t, input, out)
}

func TestCompressRoundTrip(t *testing.T) {
	var c = New(16)
	var input = []byte(strings.Repeat("collaborative editing payload ", 50))
	var out, compressed = c.Compress(input)
	require.True(t, compressed)
	assert.Less(t, len(out), len(input))

	var back, err = c.Decompress(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(input, back))
}

func TestCompressIncompressibleFallsBackToIdentity(t *testing.T) {
	var c = New(4)
	// Four bytes of already-maximal-entropy-looking data below gzip's
	// fixed overhead will never shrink.
	var input = []byte{0x01, 0x02, 0x03, 0x04}
	var out, compressed = c.Compress(input)

	assert.False(t, compressed)
	assert.Equal(t, input, out)
}

func TestIdentityCodecNeverCompresses(t *testing.T) {
	var c = NewIdentity()
	var input = []byte(strings.Repeat("x", 1024))
	var out, compressed = c.Compress(input)

	assert.False(t, compressed)
	assert.Equal(t, input, out)

	var back, err = c.Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, input, back)
}

func TestNewThresholdDefaultsWhenNonPositive(t *testing.T) {
	var c = New(0)
	assert.Equal(t, DefaultThreshold, c.threshold)
}
