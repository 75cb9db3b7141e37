package bridge

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
)

// outputTail keeps last lines written by the engine process, safe for concurrent writes
type outputTail struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

func newOutputTail(maxLines int) *outputTail {
	return &outputTail{maxLines: maxLines}
}

// Write satisfies io.Writer, splits input by lines and drops the oldest ones above the limit
func (o *outputTail) Write(p []byte) (n int, err error) {
	if o.maxLines <= 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// String returns captured lines joined by new line
func (o *outputTail) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// reset drops everything captured so far, called for each spawned process
func (o *outputTail) reset() {
	o.mu.Lock()
	o.lines = nil
	o.mu.Unlock()
}

// linePrefixer writes every line of the engine output with a fixed prefix, like "{engine:8001} "
type linePrefixer struct {
	writer io.Writer
	prefix []byte
}

func newLinePrefixer(w io.Writer, prefix string) *linePrefixer {
	return &linePrefixer{writer: w, prefix: []byte("{" + prefix + "} ")}
}

func (p *linePrefixer) Write(data []byte) (int, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	written := 0
	for {
		line, err := reader.ReadBytes('\n')
		// data may come with io.EOF for the last unterminated line
		if err != nil && err != io.EOF {
			return written, err
		}
		if len(line) > 0 {
			if _, werr := p.writer.Write(p.prefix); werr != nil {
				return written, werr
			}
			n, werr := p.writer.Write(line)
			written += n
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
	}
}
