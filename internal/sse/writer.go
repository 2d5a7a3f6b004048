package sse

import (
	"errors"
	"net/http"
)

// ErrFlushUnsupported is returned when the ResponseWriter cannot flush.
var ErrFlushUnsupported = errors.New("sse: response writer does not support flushing")

// Writer writes frames to an HTTP response and flushes after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w. It fails when w does not implement http.Flusher.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlushUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the streaming response headers. Call before WriteHeader.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Del("Content-Length")
}

// WriteFrame writes one frame and flushes it to the client.
func (sw *Writer) WriteFrame(f Frame) error {
	if _, err := sw.w.Write(f.Bytes()); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
