package provider

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event read from an upstream response body.
type Event struct {
	Name string
	Data string
}

// EventReader decodes a text/event-stream body. Comment lines are skipped and
// multi-line data fields are joined with "\n".
type EventReader struct {
	scanner *bufio.Scanner
}

// NewEventReader reads events from r. Lines up to 1MiB are accepted.
func NewEventReader(r io.Reader) *EventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	return &EventReader{scanner: sc}
}

// Next returns the next complete event, or io.EOF once the body is exhausted.
func (er *EventReader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)
	for er.scanner.Scan() {
		line := er.scanner.Text()
		if line == "" {
			if hasData || ev.Name != "" {
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
			hasData = true
		}
	}
	if err := er.scanner.Err(); err != nil {
		return Event{}, err
	}
	if hasData || ev.Name != "" {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
