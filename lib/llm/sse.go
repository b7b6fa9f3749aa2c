// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	// Type is the "event:" field. Empty for the default type.
	Type string

	// Data is the payload. Multiple "data:" lines are joined with
	// newlines.
	Data string
}

// SSEScanner reads Server-Sent Events from a reader. Events end at a
// blank line; comment lines and fields other than event and data are
// ignored.
//
//	scanner := NewSSEScanner(body)
//	for scanner.Next() {
//	    event := scanner.Event()
//	}
//	if err := scanner.Err(); err != nil {
//	    // transport error
//	}
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner returns a scanner over reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on error; Err tells the two apart.
func (scanner *SSEScanner) Next() bool {
	if scanner.err != nil {
		return false
	}
	scanner.current = SSEEvent{}

	var eventType string
	var data []string
	for {
		line, err := scanner.reader.ReadString('\n')
		if err != nil && line == "" {
			scanner.err = err
			// A final event without its trailing blank line still counts.
			if err == io.EOF && data != nil {
				scanner.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data != nil {
				scanner.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			eventType = value
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the error that stopped the scanner, or nil after a clean
// end of stream.
func (scanner *SSEScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}

// SSEWriter writes an OpenAI-style event stream to an HTTP response:
// one "data:" line of JSON per chunk, terminated by "data: [DONE]".
type SSEWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter wraps writer. Headers are sent on the first write.
func NewSSEWriter(writer http.ResponseWriter) *SSEWriter {
	flusher, _ := writer.(http.Flusher)
	return &SSEWriter{writer: writer, flusher: flusher}
}

// Started reports whether anything has been written. Once true, the
// status code is committed and errors can only be sent in-band.
func (sse *SSEWriter) Started() bool {
	return sse.started
}

// WriteData encodes value as JSON and sends it as one event.
func (sse *SSEWriter) WriteData(value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("llm: encoding SSE payload: %w", err)
	}
	return sse.write(payload)
}

// WriteDone sends the [DONE] terminator.
func (sse *SSEWriter) WriteDone() error {
	return sse.write([]byte("[DONE]"))
}

func (sse *SSEWriter) write(payload []byte) error {
	if !sse.started {
		header := sse.writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		sse.writer.WriteHeader(http.StatusOK)
		sse.started = true
	}
	if _, err := fmt.Fprintf(sse.writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	if sse.flusher != nil {
		sse.flusher.Flush()
	}
	return nil
}
