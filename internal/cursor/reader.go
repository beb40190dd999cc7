// Package cursor reads ledger files in bounded byte chunks that never split a
// line, and carries the checkpoint that lets ingestion resume.
package cursor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Encoding of the ledger file.
type Encoding string

const (
	Latin1 Encoding = "latin1"
	UTF8   Encoding = "utf8"
)

// ParseEncoding validates an encoding name. Empty means Latin1, which is what
// fiscal ledger exports are written in.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latin1", "iso-8859-1", "iso8859-1":
		return Latin1, nil
	case "utf8", "utf-8":
		return UTF8, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", s)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Line is one physical line and its byte span [Offset, End). End includes the
// line terminator.
type Line struct {
	Offset int64
	End    int64
	Text   string
}

// Chunk is the result of one bounded read.
type Chunk struct {
	Start int64
	End   int64
	Lines []Line
	EOF   bool
}

// Reader reads chunks from a ledger file by absolute offset. It is not safe
// for concurrent use.
type Reader struct {
	f    *os.File
	size int64
	enc  Encoding
	dec  *encoding.Decoder
}

// Open opens path for chunked reading.
func Open(path string, enc Encoding) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	r := &Reader{f: f, size: info.Size(), enc: enc}
	if enc != UTF8 {
		r.dec = charmap.ISO8859_1.NewDecoder()
	}
	return r, nil
}

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// Close releases the file.
func (r *Reader) Close() error { return r.f.Close() }

// ReadChunk reads size bytes starting at offset, then keeps reading up to and
// including the next newline so the chunk ends on a line boundary.
func (r *Reader) ReadChunk(offset int64, size int) (*Chunk, error) {
	if offset < 0 || offset > r.size {
		return nil, fmt.Errorf("offset %d outside file of %d bytes", offset, r.size)
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if offset == r.size {
		return &Chunk{Start: offset, End: offset, EOF: true}, nil
	}

	br := bufio.NewReaderSize(io.NewSectionReader(r.f, offset, r.size-offset), 64*1024)

	want := int64(size)
	if remaining := r.size - offset; want > remaining {
		want = remaining
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(br, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at %d: %w", offset, err)
	}
	buf = buf[:n]

	if n > 0 && buf[n-1] != '\n' && offset+int64(n) < r.size {
		rest, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("extend chunk at %d: %w", offset, err)
		}
		buf = append(buf, rest...)
	}

	end := offset + int64(len(buf))
	return &Chunk{
		Start: offset,
		End:   end,
		Lines: r.split(offset, buf),
		EOF:   end >= r.size,
	}, nil
}

func (r *Reader) split(offset int64, buf []byte) []Line {
	lines := make([]Line, 0, bytes.Count(buf, []byte{'\n'})+1)
	pos := offset
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, '\n')
		var raw []byte
		if i < 0 {
			raw, buf = buf, nil
		} else {
			raw, buf = buf[:i+1], buf[i+1:]
		}
		text := bytes.TrimRight(raw, "\r\n")
		if pos == 0 {
			text = bytes.TrimPrefix(text, utf8BOM)
		}
		lines = append(lines, Line{Offset: pos, End: pos + int64(len(raw)), Text: r.decode(text)})
		pos += int64(len(raw))
	}
	return lines
}

func (r *Reader) decode(b []byte) string {
	if r.dec == nil {
		return strings.ToValidUTF8(string(b), "?")
	}
	out, err := r.dec.Bytes(b)
	if err != nil {
		// ISO-8859-1 maps every byte, so this only guards against a bad decoder.
		return strings.ToValidUTF8(string(b), "?")
	}
	return string(out)
}
