package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadFrameRoundTrips(t *testing.T) {
	f := Frame{[]byte("worker1"), []byte("HELLO"), []byte("2")}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestReadFrameEmptyPartsAllowed(t *testing.T) {
	f := Frame{[]byte(""), []byte("x")}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte(""), got[0])
	assert.Equal(t, []byte("x"), got[1])
}

func TestReadFrameZeroPartCount(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameRejectsOversizedPartCount(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	hdr[0], hdr[1], hdr[2], hdr[3] = 0, 0, 1, 0 // 256, above maxParts
	buf.Write(hdr)

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestReadFrameSurfacesShortRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1}) // declares 1 part, then nothing

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestWriteFrameRejectsTooManyParts(t *testing.T) {
	f := make(Frame, maxParts+1)
	for i := range f {
		f[i] = []byte("x")
	}
	err := WriteFrame(&bytes.Buffer{}, f)
	require.Error(t, err)
}
