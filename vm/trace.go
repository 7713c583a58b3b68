package vm

import (
	"bufio"
	"io"
)

// TraceSink receives one formatted trace line per executed instruction.
// Abstracting it behind an interface (rather than writing to os.Stdout
// directly) lets tests capture trace output deterministically and lets
// callers plug in whatever line-buffered destination they want.
type TraceSink interface {
	WriteLine(line string) error
}

// writerTraceSink adapts an io.Writer into a TraceSink, flushing after
// every line so trace output interleaves correctly with anything else
// writing to the same underlying stream.
type writerTraceSink struct {
	w *bufio.Writer
}

// NewWriterTraceSink returns a TraceSink that writes each line to w
// followed by a newline.
func NewWriterTraceSink(w io.Writer) TraceSink {
	return &writerTraceSink{w: bufio.NewWriter(w)}
}

func (s *writerTraceSink) WriteLine(line string) error {
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}
