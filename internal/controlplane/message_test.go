package controlplane

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavasoft/dispatcher-master/internal/wire"
)

func TestParseHello(t *testing.T) {
	m, err := Parse(wire.Frame{[]byte("w1"), []byte("HELLO"), []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, HelloMsg{Version: 1}, m)
}

func TestParseHelloRejectsNonIntegerVersion(t *testing.T) {
	_, err := Parse(wire.Frame{[]byte("w1"), []byte("HELLO"), []byte("abc")})
	require.Error(t, err)
}

func TestParsePing(t *testing.T) {
	m, err := Parse(wire.Frame{[]byte("w1"), []byte("PING")})
	require.NoError(t, err)
	assert.Equal(t, PingMsg{}, m)
}

func TestParseEnd(t *testing.T) {
	id := uuid.New()
	m, err := Parse(wire.Frame{[]byte("w1"), []byte("END"), []byte(id.String()), []byte("0"), []byte(""), []byte("blob")})
	require.NoError(t, err)
	end, ok := m.(EndMsg)
	require.True(t, ok)
	assert.Equal(t, id, end.JobID)
	assert.Equal(t, 0, end.ExitCode)
	assert.Equal(t, []byte("blob"), end.DescriptionBlob)
}

func TestParseEndRejectsBadArity(t *testing.T) {
	_, err := Parse(wire.Frame{[]byte("w1"), []byte("END"), []byte("1")})
	require.Error(t, err)
}

func TestParseStartOK(t *testing.T) {
	id := uuid.New()
	m, err := Parse(wire.Frame{[]byte("w1"), []byte("START_OK"), []byte(id.String())})
	require.NoError(t, err)
	assert.Equal(t, StartOKMsg{JobID: id}, m)
}

func TestParseUnknownVerb(t *testing.T) {
	m, err := Parse(wire.Frame{[]byte("w1"), []byte("WAT")})
	require.NoError(t, err)
	assert.Equal(t, UnknownMsg{Verb: "WAT"}, m)
}
