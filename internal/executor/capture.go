package executor

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/zephyrr-ci/zephyr/internal/pipeline"
)

// capture accumulates both streams into one buffer in arrival order
// and forwards whole lines to the log sink. Secrets are masked before
// a line leaves the capture.
type capture struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	sink    LogSink
	secrets []string
	writers []*lineWriter
}

func newCapture(sink LogSink, secrets []string) *capture {
	return &capture{sink: sink, secrets: secrets}
}

// writer returns an io.Writer for one stream. Writers may be driven
// from concurrent reader goroutines; the capture serialises them.
func (c *capture) writer(stream string) io.Writer {
	w := &lineWriter{capture: c, stream: stream}
	c.mu.Lock()
	c.writers = append(c.writers, w)
	c.mu.Unlock()
	return w
}

func (c *capture) emit(stream, line string) {
	line = pipeline.MaskSecrets(line, c.secrets)
	c.mu.Lock()
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
	c.mu.Unlock()
	if c.sink != nil {
		c.sink.Log(stream, line)
	}
}

// appendLine adds a synthetic line (timeout marker, spawn errors).
func (c *capture) appendLine(stream, line string) {
	c.emit(stream, line)
}

// flush drains partial trailing lines from both writers' buffers.
func (c *capture) flush() {
	c.mu.Lock()
	writers := c.writers
	c.mu.Unlock()
	for _, w := range writers {
		w.flush()
	}
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type lineWriter struct {
	capture *capture
	stream  string
	mu      sync.Mutex
	partial strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := string(p)
	for {
		idx := strings.IndexByte(rest, '\n')
		if idx < 0 {
			w.partial.WriteString(rest)
			break
		}
		line := rest[:idx]
		rest = rest[idx+1:]
		if w.partial.Len() > 0 {
			line = w.partial.String() + line
			w.partial.Reset()
		}
		line = strings.TrimSuffix(line, "\r")
		w.capture.emit(w.stream, line)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() > 0 {
		w.capture.emit(w.stream, w.partial.String())
		w.partial.Reset()
	}
}
