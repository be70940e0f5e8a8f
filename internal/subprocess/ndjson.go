package subprocess

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// lineReader reads newline-delimited JSON from the subprocess stdout.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(r io.Reader) *lineReader {
	scanner := bufio.NewScanner(r)
	// Tool inputs can carry large payloads on a single line.
	const maxTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxTokenSize)
	return &lineReader{scanner: scanner}
}

// ReadLine returns the next line, or io.EOF when the stream ends.
func (r *lineReader) ReadLine() ([]byte, error) {
	if r.scanner.Scan() {
		line := r.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// lineWriter writes newline-delimited JSON to the subprocess stdin.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (w *lineWriter) Write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	_, err = w.w.Write([]byte("\n"))
	return err
}
