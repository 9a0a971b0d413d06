// Package attachments stages prompt images on disk for the lifetime of a run.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ImagesDir is the directory, relative to the working directory, that holds
// staged images.
const ImagesDir = ".tmp/images"

var (
	// ErrInvalidImage is returned for images that are not base64 data URLs.
	ErrInvalidImage = errors.New("invalid image attachment")
)

// Image is an attachment as submitted by a client.
type Image struct {
	Name string `json:"name,omitempty"`
	// Data is a data URL, e.g. "data:image/png;base64,iVBOR...".
	Data string `json:"data"`
}

// Staged is a set of images written for one run. It implements
// session.Resource.
type Staged struct {
	Dir   string
	Paths []string

	once      sync.Once
	onRelease func(dir string)
	err       error
}

// Stage decodes images into <cwd>/.tmp/images/<unixms>/image_<n>.<ext>. It
// returns nil when there is nothing to stage.
func Stage(cwd string, images []Image, now time.Time) (*Staged, error) {
	if len(images) == 0 {
		return nil, nil
	}

	dir := filepath.Join(cwd, ImagesDir, strconv.FormatInt(now.UnixMilli(), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	staged := &Staged{Dir: dir}
	for i, img := range images {
		ext, payload, err := decodeDataURL(img.Data)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("image_%d.%s", i, ext))
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write image %d: %w", i+1, err)
		}
		staged.Paths = append(staged.Paths, path)
	}

	log.Debug().Str("dir", dir).Int("count", len(staged.Paths)).Msg("Staged prompt images")
	return staged, nil
}

// Release removes the staged directory. Only the first call does any work.
func (s *Staged) Release() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		if err := os.RemoveAll(s.Dir); err != nil {
			s.err = fmt.Errorf("failed to remove %s: %w", s.Dir, err)
		}
		if s.onRelease != nil {
			s.onRelease(s.Dir)
		}
	})
	return s.err
}

// AppendNote appends the staged paths to prompt so the agent can read them.
func AppendNote(prompt string, paths []string) string {
	if len(paths) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n[Images provided at the following paths:]\n")
	for i, p := range paths {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}
	return strings.TrimRight(b.String(), "\n")
}

func decodeDataURL(data string) (string, []byte, error) {
	header, encoded, ok := strings.Cut(data, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return "", nil, ErrInvalidImage
	}

	mimeType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	kind, sub, ok := strings.Cut(mimeType, "/")
	if !ok || kind != "image" || sub == "" || strings.ContainsAny(sub, `/\.`) {
		return "", nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidImage, mimeType)
	}
	if sub == "jpeg" {
		sub = "jpg"
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return sub, payload, nil
}
