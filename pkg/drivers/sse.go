package drivers

import (
	"bufio"
	"io"
	"strings"
)

// RawFrame is one decoded SSE event: the value of the "event:" line (empty
// when upstream omits it) and the raw "data:" payload. The pipeline parser
// goes by the payload's "type" field and falls back to Event only when that
// field is empty.
type RawFrame struct {
	Event string
	Data  []byte
}

// sseReader scans an SSE byte stream into RawFrames, accumulating
// multi-line "data:" fields per the SSE spec's event-boundary-on-blank-line
// rule, the same line-oriented approach used to relay upstream SSE.
type sseReader struct {
	scanner *bufio.Scanner
	closer  io.Closer

	curEvent string
	curData  strings.Builder
}

func newSSEReader(body io.ReadCloser) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(body), closer: body}
}

// Next returns the next complete frame, or ok=false at end of stream.
func (r *sseReader) Next() (RawFrame, bool, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if r.curData.Len() == 0 && r.curEvent == "" {
				continue
			}
			frame := RawFrame{Event: r.curEvent, Data: []byte(r.curData.String())}
			r.curEvent = ""
			r.curData.Reset()
			return frame, true, nil
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			r.curEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if r.curData.Len() > 0 {
				r.curData.WriteByte('\n')
			}
			r.curData.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return RawFrame{}, false, err
	}
	return RawFrame{}, false, nil
}

func (r *sseReader) Close() error {
	return r.closer.Close()
}
