package api

import (
	"fmt"
	"io"
)

// SSEEvent enumerates the event types a log stream emits.
type SSEEvent string

const (
	SSELog   SSEEvent = "log"
	SSEError SSEEvent = "error"
	SSEEnd   SSEEvent = "end"
)

// WriteSSE writes one Server-Sent Event frame: "event: <type>\ndata:
// <payload>\n\n". data must not contain a trailing newline; if it contains
// embedded newlines the caller is responsible for splitting it into
// multiple "data:" lines per the SSE spec before calling this.
func WriteSSE(w io.Writer, event SSEEvent, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
