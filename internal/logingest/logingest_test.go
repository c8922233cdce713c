package logingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/wire"
)

func fixedLookup(dir string) JobLookup {
	return func(_ context.Context, _ uuid.UUID) (string, bool, error) {
		return dir, true, nil
	}
}

func noResults(_ context.Context, _ uuid.UUID, _ string, _ map[string]any) error { return nil }

func TestHandleFrameWritesMainAndSubSinks(t *testing.T) {
	dir := t.TempDir()
	in := New(zap.NewNop(), fixedLookup(dir), noResults, time.Minute)

	job := uuid.New()
	f := wire.Frame{[]byte(job.String()), []byte("1.2"), []byte("foo"), []byte("{lvl: info, msg: a}")}
	require.NoError(t, in.HandleFrame(context.Background(), f))

	main, err := os.ReadFile(filepath.Join(dir, "output.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "- {lvl: info, msg: a}")

	sub, err := os.ReadFile(filepath.Join(dir, "pipeline", "1", "1.2-foo.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(sub), "- {lvl: info, msg: a}")
}

func TestHandleFrameRotatesSubSinkOnLevelChange(t *testing.T) {
	dir := t.TempDir()
	in := New(zap.NewNop(), fixedLookup(dir), noResults, time.Minute)
	job := uuid.New()

	require.NoError(t, in.HandleFrame(context.Background(),
		wire.Frame{[]byte(job.String()), []byte("1.2"), []byte("foo"), []byte("{lvl: info, msg: a}")}))
	require.NoError(t, in.HandleFrame(context.Background(),
		wire.Frame{[]byte(job.String()), []byte("1.3"), []byte("bar"), []byte("{lvl: info, msg: b}")}))

	first, err := os.ReadFile(filepath.Join(dir, "pipeline", "1", "1.2-foo.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(first), "msg: a")
	assert.NotContains(t, string(first), "msg: b")

	second, err := os.ReadFile(filepath.Join(dir, "pipeline", "1", "1.3-bar.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(second), "msg: b")

	main, err := os.ReadFile(filepath.Join(dir, "output.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "msg: a")
	assert.Contains(t, string(main), "msg: b")
}

func TestHandleFrameRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	in := New(zap.NewNop(), fixedLookup(dir), noResults, time.Minute)
	job := uuid.New()

	err := in.HandleFrame(context.Background(),
		wire.Frame{[]byte(job.String()), []byte("../evil"), []byte("x"), []byte("{lvl: info, msg: a}")})
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHandleFrameDropsUnknownJob(t *testing.T) {
	in := New(zap.NewNop(), func(context.Context, uuid.UUID) (string, bool, error) {
		return "", false, nil
	}, noResults, time.Minute)

	err := in.HandleFrame(context.Background(),
		wire.Frame{[]byte(uuid.New().String()), []byte("1"), []byte("x"), []byte("{lvl: info, msg: a}")})
	require.Error(t, err)
}

func TestHandleFrameInvokesResultsExtractorOnResultsLevel(t *testing.T) {
	dir := t.TempDir()
	var called bool
	extractor := func(_ context.Context, _ uuid.UUID, _ string, msg map[string]any) error {
		called = true
		assert.Equal(t, "results", msg["lvl"])
		return nil
	}
	in := New(zap.NewNop(), fixedLookup(dir), extractor, time.Minute)

	err := in.HandleFrame(context.Background(),
		wire.Frame{[]byte(uuid.New().String()), []byte("1"), []byte("x"), []byte("{lvl: results, msg: pass}")})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestGCClosesIdleHandles(t *testing.T) {
	dir := t.TempDir()
	in := New(zap.NewNop(), fixedLookup(dir), noResults, 10*time.Millisecond)
	job := uuid.New()

	require.NoError(t, in.HandleFrame(context.Background(),
		wire.Frame{[]byte(job.String()), []byte("1"), []byte("x"), []byte("{lvl: info, msg: a}")}))
	require.Equal(t, 1, in.Open())

	in.GC(time.Now().Add(time.Hour))
	assert.Equal(t, 0, in.Open())
}
