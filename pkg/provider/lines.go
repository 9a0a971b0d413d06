package provider

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/normalize"
)

// rawPreviewSize bounds the text forwarded for a line that was cut short.
const rawPreviewSize = 4096

// lineReader splits agent output into lines. A line longer than max is cut
// to max bytes and reported as truncated; the rest of it is skipped and
// reading continues with the next line.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = maxLineSize
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// next returns the next line without its line ending. It returns io.EOF
// after the last line.
func (lr *lineReader) next() (line []byte, truncated bool, err error) {
	var buf []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if room := lr.max - len(buf); len(chunk) > room {
			if room > 0 {
				buf = append(buf, chunk[:room]...)
			}
			// Losing only the newline is not a truncation.
			if onlyNewline := err == nil && len(chunk) == room+1; !onlyNewline {
				truncated = true
			}
		} else {
			buf = append(buf, chunk...)
		}

		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), truncated, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case len(buf) > 0:
			// The final line had no newline; the error comes back on the next call.
			return bytes.TrimRight(buf, "\r\n"), truncated, nil
		default:
			return nil, false, err
		}
	}
}

// oversizedLine reports a cut line as raw output carrying its beginning.
func oversizedLine(line []byte, max int) envelope.Envelope {
	if len(line) > rawPreviewSize {
		line = line[:rawPreviewSize]
	}
	return normalize.Raw(string(line), fmt.Sprintf("line exceeded %d bytes and was truncated", max))
}
