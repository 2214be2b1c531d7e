package executor

import (
	"bufio"
	"bytes"
	"io"

	"github.com/router-for-me/claude-relay/internal/queuehealth"
)

// trackingReader remembers the first non-EOF read error so the split
// function can tell a clean end of stream from a cut one.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// newLineScanner yields raw lines including their trailing "\n". A trailing
// fragment is yielded only on a clean EOF; when the stream is cut it is
// dropped and counted.
func newLineScanner(body io.Reader) *bufio.Scanner {
	tracker := &trackingReader{r: body}
	scanner := bufio.NewScanner(tracker)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, data[:i+1], nil
		}
		if !atEOF {
			return 0, nil, nil
		}
		if len(data) == 0 {
			return 0, nil, nil
		}
		if tracker.err != nil {
			queuehealth.Inc(queuehealth.DroppedStreamTail)
			return len(data), nil, nil
		}
		return len(data), data, nil
	})
	return scanner
}
