// Package sse reads and writes Server-Sent Event frames.
//
// DESIGN: Frames are decoded incrementally from an io.Reader as bytes arrive:
//   - "event:" sets the frame name, "data:" lines are joined with "\n"
//   - ":" comment lines are ignored, a blank line dispatches the frame
//   - a trailing frame without its blank line is dropped at EOF
//
// The decoder never buffers more than one frame, so translation downstream
// can flush each frame before the next one is read.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
)

// DoneMarker terminates OpenAI chat completion streams.
const DoneMarker = "[DONE]"

// Frame is one dispatched SSE event.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// IsDone reports whether the frame is the OpenAI "[DONE]" sentinel.
func (f Frame) IsDone() bool {
	return bytes.Equal(bytes.TrimSpace(f.Data), []byte(DoneMarker))
}

// Bytes serializes the frame in wire format, including the blank line terminator.
func (f Frame) Bytes() []byte {
	var b bytes.Buffer
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteByte('\n')
	}
	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(f.ID)
		b.WriteByte('\n')
	}
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Data builds an unnamed data frame.
func Data(data []byte) Frame {
	return Frame{Data: data}
}

// Event builds a named data frame.
func Event(name string, data []byte) Frame {
	return Frame{Event: name, Data: data}
}

// Frames decodes r into frames. Iteration stops at EOF, on the first read
// error (yielded once) or when the consumer stops. The reader is not closed.
func Frames(r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		br := bufio.NewReader(r)
		var (
			cur     Frame
			data    [][]byte
			hasData bool
		)
		reset := func() {
			cur = Frame{}
			data = data[:0]
			hasData = false
		}

		for {
			line, err := br.ReadBytes('\n')
			if err == nil {
				line = bytes.TrimRight(line, "\r\n")
				if len(line) == 0 {
					if hasData || cur.Event != "" {
						cur.Data = bytes.Join(data, []byte("\n"))
						if !yield(cur, nil) {
							return
						}
					}
					reset()
				} else {
					parseLine(line, &cur, &data, &hasData)
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Frame{}, err)
				}
				return
			}
		}
	}
}

func parseLine(line []byte, cur *Frame, data *[][]byte, hasData *bool) {
	if line[0] == ':' {
		return
	}
	field, value, found := bytes.Cut(line, []byte(":"))
	if found && len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	switch string(field) {
	case "event":
		cur.Event = string(value)
	case "id":
		cur.ID = string(value)
	case "data":
		*data = append(*data, append([]byte(nil), value...))
		*hasData = true
	}
}
