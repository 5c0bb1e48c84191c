package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweepRecorder struct {
	removed []int
	errs    []error
}

func (s *sweepRecorder) ObserveSweep(removed int, err error) {
	s.removed = append(s.removed, removed)
	s.errs = append(s.errs, err)
}

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	fresh := now.Add(-time.Minute)

	day := filepath.Join(root, "images", "2024", "05", "30")
	staleUpload := filepath.Join(day, ".upload-123456")
	staleOptimize := filepath.Join(day, ".optimize-987654")
	freshUpload := filepath.Join(day, ".upload-inflight")
	oldMedia := filepath.Join(day, "1717000000000-abc.jpg")
	otherDotfile := filepath.Join(root, ".keep")

	touch(t, staleUpload, old)
	touch(t, staleOptimize, old)
	touch(t, freshUpload, fresh)
	touch(t, oldMedia, old)
	touch(t, otherDotfile, old)

	rec := &sweepRecorder{}
	j := New(root, 24*time.Hour, rec)
	j.now = func() time.Time { return now }

	removed, err := j.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.False(t, exists(staleUpload))
	assert.False(t, exists(staleOptimize))
	assert.True(t, exists(freshUpload), "in-flight temp files must survive")
	assert.True(t, exists(oldMedia), "stored media is never swept")
	assert.True(t, exists(otherDotfile))
	assert.Equal(t, []int{2}, rec.removed)
}

func TestSweep_MissingRoot(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "absent"), time.Hour, nil)

	removed, err := j.Sweep(context.Background())

	assert.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweep_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(t.TempDir(), ".upload-outside")
	touch(t, target, time.Now().Add(-72*time.Hour))
	if err := os.Symlink(target, filepath.Join(root, ".upload-link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	removed, err := New(root, time.Hour, nil).Sweep(context.Background())

	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, exists(target))
}

func TestSweep_CancelledContext(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "images", ".upload-1"), time.Now().Add(-72*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(root, time.Hour, nil).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(t.TempDir(), time.Hour, nil)
	assert.Error(t, j.Start("every now and then"))
}

func TestStart_RunsOnSchedule(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "videos", ".upload-1")
	touch(t, stale, time.Now().Add(-72*time.Hour))

	j := New(root, time.Hour, nil)
	require.NoError(t, j.Start("@every 1s"))
	defer j.Stop(context.Background())

	assert.Eventually(t, func() bool { return !exists(stale) }, 5*time.Second, 50*time.Millisecond)
	assert.Error(t, j.Start("@every 1s"), "starting twice is an error")
}
