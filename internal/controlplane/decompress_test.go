package controlplane

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestDecompressDescriptionRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("job_name: smoke\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := decompressDescription(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "job_name: smoke\n", string(out))
}

func TestDecompressDescriptionRejectsGarbage(t *testing.T) {
	_, err := decompressDescription([]byte("not xz data"))
	require.Error(t, err)
}
