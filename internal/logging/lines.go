package logging

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LineWriter prefixes every complete line written to it with a sequence
// number and a timestamp before passing it on. A trailing partial line is
// held until the next newline or Close.
type LineWriter struct {
	mu     sync.Mutex
	target io.Writer
	clock  clockwork.Clock
	seq    uint64
	buf    bytes.Buffer
}

func NewLineWriter(target io.Writer, clock clockwork.Clock) *LineWriter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LineWriter{target: target, clock: clock}
}

// Write always reports len(p) unless the target fails.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := w.buf.Next(idx + 1)
		if err := w.writeLine(bytes.TrimRight(line, "\r\n")); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a pending partial line. It does not close the target.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	line := bytes.Clone(w.buf.Bytes())
	w.buf.Reset()
	return w.writeLine(line)
}

func (w *LineWriter) writeLine(line []byte) error {
	w.seq++
	prefix := slog.Uint64("line", w.seq).String() + " " +
		slog.String("time", w.clock.Now().Format(time.RFC3339)).String() + " "

	var out bytes.Buffer
	out.Grow(len(prefix) + len(line) + 1)
	out.WriteString(prefix)
	out.Write(line)
	out.WriteByte('\n')
	_, err := w.target.Write(out.Bytes())
	return err
}
