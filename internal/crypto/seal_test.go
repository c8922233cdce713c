package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavasoft/dispatcher-master/internal/wire"
)

func TestSealerRoundTripsBetweenInitiatorAndResponder(t *testing.T) {
	master, err := GenerateKeyPair()
	require.NoError(t, err)
	worker, err := GenerateKeyPair()
	require.NoError(t, err)

	workerSide := NewSealer(worker.Private, master.Public, RoleInitiator)
	masterSide := NewSealer(master.Private, worker.Public, RoleResponder)

	f := wire.Frame{[]byte("worker1"), []byte("HELLO"), []byte("2")}

	sealed, err := workerSide.Seal(f)
	require.NoError(t, err)
	assert.NotEqual(t, f, sealed, "sealed parts must not equal plaintext")

	opened, err := masterSide.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, f, opened)
}

func TestSealerRejectsReplayedFrame(t *testing.T) {
	master, _ := GenerateKeyPair()
	worker, _ := GenerateKeyPair()
	workerSide := NewSealer(worker.Private, master.Public, RoleInitiator)
	masterSide := NewSealer(master.Private, worker.Public, RoleResponder)

	f := wire.Frame{[]byte("ping")}
	sealed, err := workerSide.Seal(f)
	require.NoError(t, err)

	_, err = masterSide.Open(sealed)
	require.NoError(t, err)

	_, err = masterSide.Open(sealed)
	require.Error(t, err, "replaying the same sealed frame must be rejected")
}

func TestSealerRejectsWrongRoleTag(t *testing.T) {
	master, _ := GenerateKeyPair()
	worker, _ := GenerateKeyPair()
	workerSide := NewSealer(worker.Private, master.Public, RoleInitiator)
	// Both constructed as RoleInitiator: masterSide now expects RoleResponder
	// frames from the peer but workerSide also tags its output as initiator.
	masterSide := NewSealer(master.Private, worker.Public, RoleInitiator)

	sealed, err := workerSide.Seal(wire.Frame{[]byte("x")})
	require.NoError(t, err)

	_, err = masterSide.Open(sealed)
	require.Error(t, err)
}
