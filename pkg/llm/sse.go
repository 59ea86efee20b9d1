package llm

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds one SSE line; generous because a single data line
// can carry a whole model response frame.
const maxSSELine = 1024 * 1024

// sseEvent is one Server-Sent-Events frame. Name is empty for frames
// without an event: field (the OpenAI-compatible framing).
type sseEvent struct {
	Name string
	Data string
}

// sseScanner incrementally parses an SSE byte stream into events.
// A frame ends at a blank line; multiple data: lines are joined with
// newlines per the SSE grammar. Comment lines (leading ':') are skipped.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseScanner{scanner: sc}
}

// Next returns the next event, or io.EOF when the stream ends. A
// partial frame at EOF with accumulated data is still delivered.
func (s *sseScanner) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		if line == "" {
			if len(data) > 0 || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if len(data) > 0 || ev.Name != "" {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
