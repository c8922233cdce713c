package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExportInjectsCompatibilityAndRoundTrips(t *testing.T) {
	raw := "job_name: smoke-test\ntimeouts:\n  job:\n    minutes: 5\n# a comment that must not survive\n"

	out, err := Export(raw, "1.0")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))

	assert.Equal(t, "smoke-test", got["job_name"])
	assert.Equal(t, "1.0", got["compatibility"])
	assert.NotContains(t, out, "must not survive")
}

func TestExportOverwritesExistingCompatibility(t *testing.T) {
	raw := "job_name: x\ncompatibility: \"0\"\n"

	out, err := Export(raw, "2")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "2", got["compatibility"])
}

func TestExportRejectsNonMappingRoot(t *testing.T) {
	_, err := Export("- just\n- a\n- list\n", "1")
	require.Error(t, err)
}

func TestDecodeReturnsFields(t *testing.T) {
	m, err := Decode("job_name: x\nactions:\n  - deploy\n")
	require.NoError(t, err)
	assert.Equal(t, "x", m["job_name"])
}
