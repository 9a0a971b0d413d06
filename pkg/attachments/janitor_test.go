package attachments

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJanitor_Schedule(t *testing.T) {
	j, err := NewJanitor(0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, j.ttl)

	_, err = NewJanitor(time.Hour, "not a schedule")
	assert.Error(t, err)

	_, err = NewJanitor(time.Hour, "*/5 * * * *")
	assert.NoError(t, err)
}

func TestJanitor_SweepSkipsLiveAndFresh(t *testing.T) {
	cwd := t.TempDir()
	now := time.Now()

	j, err := NewJanitor(time.Hour, "@every 1h")
	require.NoError(t, err)

	live, err := Stage(cwd, []Image{{Data: dataURL("image/png", []byte("x"))}}, now.Add(-3*time.Hour))
	require.NoError(t, err)
	j.Track(cwd, live)

	stale := filepath.Join(cwd, ImagesDir, strconv.FormatInt(now.Add(-2*time.Hour).UnixMilli(), 10))
	fresh := filepath.Join(cwd, ImagesDir, strconv.FormatInt(now.Add(-time.Minute).UnixMilli(), 10))
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	assert.Equal(t, 1, j.SweepNow(now))

	assert.DirExists(t, live.Dir)
	assert.DirExists(t, fresh)
	assert.NoDirExists(t, stale)

	// once released the directory is gone and no longer protected
	require.NoError(t, live.Release())
	assert.Equal(t, 0, j.SweepNow(now))
	j.mu.Lock()
	assert.Empty(t, j.live)
	j.mu.Unlock()
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(time.Hour, "@every 1h")
	require.NoError(t, err)

	require.NoError(t, j.Start())
	assert.True(t, j.IsRunning())
	assert.Error(t, j.Start())

	j.Stop()
	assert.False(t, j.IsRunning())
	j.Stop()
}
