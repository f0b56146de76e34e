package protocol

import (
	"bufio"
	"encoding/base64"
	"io"
)

// Delimiter terminates every frame on a stream connection.
const Delimiter = '\n'

const maxFrameSize = 1 << 20

// AppendFrame appends the framed form of data to dst.
func AppendFrame(dst, data []byte) []byte {
	dst = base64.StdEncoding.AppendEncode(dst, data)
	return append(dst, Delimiter)
}

// WriteFrame writes data as one frame.
func WriteFrame(w io.Writer, data []byte) error {
	_, err := w.Write(AppendFrame(nil, data))
	return err
}

// FrameScanner splits a stream into frames.
type FrameScanner struct {
	s *bufio.Scanner
}

// NewFrameScanner returns a scanner reading frames from r.
func NewFrameScanner(r io.Reader) *FrameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &FrameScanner{s: s}
}

// Scan advances to the next frame. It returns false at EOF or on a read error.
func (f *FrameScanner) Scan() bool { return f.s.Scan() }

// Frame decodes the current frame. A garbage frame yields an error and
// the next Scan continues with the following one.
func (f *FrameScanner) Frame() ([]byte, error) {
	line := f.s.Bytes()
	out := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(out, line)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Err returns the first non-EOF read error.
func (f *FrameScanner) Err() error { return f.s.Err() }
