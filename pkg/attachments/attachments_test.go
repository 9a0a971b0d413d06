package attachments

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataURL(mime string, payload []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(payload)
}

func TestStage(t *testing.T) {
	cwd := t.TempDir()
	now := time.UnixMilli(1700000000123)

	staged, err := Stage(cwd, []Image{
		{Name: "a.png", Data: dataURL("image/png", []byte("png-bytes"))},
		{Name: "b.jpg", Data: dataURL("image/jpeg", []byte("jpg-bytes"))},
	}, now)
	require.NoError(t, err)
	require.NotNil(t, staged)

	assert.Equal(t, filepath.Join(cwd, ".tmp", "images", "1700000000123"), staged.Dir)
	require.Len(t, staged.Paths, 2)
	assert.Equal(t, filepath.Join(staged.Dir, "image_0.png"), staged.Paths[0])
	assert.Equal(t, filepath.Join(staged.Dir, "image_1.jpg"), staged.Paths[1])

	content, err := os.ReadFile(staged.Paths[0])
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))

	require.NoError(t, staged.Release())
	_, err = os.Stat(staged.Dir)
	assert.True(t, os.IsNotExist(err))

	// idempotent
	assert.NoError(t, staged.Release())
}

func TestStage_NoImages(t *testing.T) {
	staged, err := Stage(t.TempDir(), nil, time.Now())
	assert.NoError(t, err)
	assert.Nil(t, staged)
	assert.NoError(t, staged.Release())
}

func TestStage_InvalidImageCleansUp(t *testing.T) {
	cwd := t.TempDir()
	now := time.UnixMilli(1700000000999)

	_, err := Stage(cwd, []Image{
		{Data: dataURL("image/png", []byte("ok"))},
		{Data: "not a data url"},
	}, now)
	require.ErrorIs(t, err, ErrInvalidImage)

	_, statErr := os.Stat(filepath.Join(cwd, ImagesDir, "1700000000999"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecodeDataURL_Rejects(t *testing.T) {
	for _, in := range []string{
		"data:text/plain;base64,aGk=",
		"data:image/png,raw",
		"data:image/../x;base64,aGk=",
		"data:image/png;base64,***",
	} {
		_, _, err := decodeDataURL(in)
		assert.ErrorIs(t, err, ErrInvalidImage, in)
	}
}

func TestAppendNote(t *testing.T) {
	assert.Equal(t, "hello", AppendNote("hello", nil))

	got := AppendNote("describe these", []string{"/w/.tmp/images/1/image_0.png", "/w/.tmp/images/1/image_1.png"})
	assert.Equal(t, "describe these\n\n[Images provided at the following paths:]\n"+
		"1. /w/.tmp/images/1/image_0.png\n"+
		"2. /w/.tmp/images/1/image_1.png", got)
}
