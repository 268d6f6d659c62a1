package bf

import (
	"bytes"
	"io"
	"strings"
)

// ByteSource supplies bytes to the Input instruction. ReadByte returns
// io.EOF once the source is exhausted; the engine turns that into
// EOFSentinel rather than an error.
type ByteSource interface {
	ReadByte() (byte, error)
}

// ByteSink receives the bytes produced by the Output instruction.
type ByteSink interface {
	WriteBytes(p []byte) error
}

// streamSource reads one byte at a time from an io.Reader so that no more
// of the stream is consumed than the program asks for.
type streamSource struct {
	r   io.Reader
	buf [1]byte
}

// NewStreamSource returns a ByteSource backed by r. Reads block exactly as
// r blocks.
func NewStreamSource(r io.Reader) ByteSource {
	return &streamSource{r: r}
}

func (s *streamSource) ReadByte() (byte, error) {
	for {
		n, err := s.r.Read(s.buf[:])
		if n == 1 {
			return s.buf[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// NewStringSource returns a ByteSource that yields the bytes of s.
func NewStringSource(s string) ByteSource {
	return strings.NewReader(s)
}

// StreamSink writes output to an io.Writer.
type StreamSink struct {
	w io.Writer
}

// NewStreamSink returns a ByteSink backed by w.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

// WriteBytes implements ByteSink.
func (s *StreamSink) WriteBytes(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

// StringSink captures output in memory.
type StringSink struct {
	buf bytes.Buffer
}

// WriteBytes implements ByteSink.
func (s *StringSink) WriteBytes(p []byte) error {
	s.buf.Write(p)
	return nil
}

// String returns everything written so far.
func (s *StringSink) String() string {
	return s.buf.String()
}

// Bytes returns everything written so far.
func (s *StringSink) Bytes() []byte {
	return s.buf.Bytes()
}
