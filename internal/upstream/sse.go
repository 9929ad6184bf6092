package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// Frame is one server-sent event from the backend.
type Frame struct {
	Event   string // "event:" field, usually empty for chat completions
	Data    []byte // joined "data:" lines
	Comment bool   // a ":" comment line, used by backends as keep-alive
	Done    bool   // data was the [DONE] sentinel
}

var doneSentinel = []byte("[DONE]")

type sseStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

// NewFrameReader parses SSE frames from r. Used for tests and replay.
func NewFrameReader(r io.Reader) Stream {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return newSSEStream(rc)
}

// Next returns the next frame. A comment line is returned as its own frame
// immediately. io.EOF is returned once the body ends with no pending data.
func (s *sseStream) Next() (Frame, error) {
	var (
		frame   Frame
		hasData bool
	)
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if hasData && errors.Is(err, io.EOF) {
				return finish(frame), nil
			}
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, &Error{Phase: PhaseStream, Message: "read failed", Cause: err}
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if hasData || frame.Event != "" {
				return finish(frame), nil
			}
		case line[0] == ':':
			if !hasData {
				return Frame{Comment: true, Data: bytes.TrimSpace(line[1:])}, nil
			}
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				frame.Event = string(value)
			case "data":
				if hasData {
					frame.Data = append(frame.Data, '\n')
				}
				frame.Data = append(frame.Data, value...)
				hasData = true
			}
		}

		if err != nil {
			if hasData {
				return finish(frame), nil
			}
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, &Error{Phase: PhaseStream, Message: "read failed", Cause: err}
		}
	}
}

func finish(f Frame) Frame {
	f.Done = bytes.Equal(bytes.TrimSpace(f.Data), doneSentinel)
	return f
}

// Close drains a bounded amount of unread body so the socket can be reused,
// then closes it.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(s.reader, maxDrainLen))
		err = s.body.Close()
	})
	return err
}
