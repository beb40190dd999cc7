package cursor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// ScanResult describes a whole file.
type ScanResult struct {
	Size        int64
	Lines       int64
	Fingerprint string
}

// lineCounter counts newlines written through it.
type lineCounter struct {
	lines int64
	last  byte
	n     int64
}

func (c *lineCounter) Write(p []byte) (int, error) {
	c.lines += int64(bytes.Count(p, []byte{'\n'}))
	if len(p) > 0 {
		c.last = p[len(p)-1]
	}
	c.n += int64(len(p))
	return len(p), nil
}

// Scan reads path once, counting lines and computing an xxhash fingerprint.
func Scan(path string) (ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ScanResult{}, err
	}
	defer f.Close()

	h := xxhash.New()
	var counter lineCounter
	if _, err := io.Copy(io.MultiWriter(h, &counter), bufio.NewReaderSize(f, 256*1024)); err != nil {
		return ScanResult{}, fmt.Errorf("scan %s: %w", path, err)
	}

	lines := counter.lines
	if counter.n > 0 && counter.last != '\n' {
		lines++
	}
	return ScanResult{
		Size:        counter.n,
		Lines:       lines,
		Fingerprint: strconv.FormatUint(h.Sum64(), 16),
	}, nil
}

// Probe reads at most maxLines non-blank lines looking for the header record
// and returns the context it establishes. found is false if no header was
// seen.
func Probe(path string, enc Encoding, layout *sped.Layout, maxLines int) (st sped.State, found bool, err error) {
	r, err := Open(path, enc)
	if err != nil {
		return sped.State{}, false, err
	}
	defer r.Close()

	tok := sped.NewTokenizer(layout, sped.ScopeAll)
	parser := sped.NewParser(layout, sped.State{})
	header := layout.HeaderTag()

	var offset int64
	seen := 0
	for seen < maxLines {
		chunk, err := r.ReadChunk(offset, 16*1024)
		if err != nil {
			return sped.State{}, false, err
		}
		for _, line := range chunk.Lines {
			if seen >= maxLines {
				break
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			seen++
			rec, verdict := tok.Tokenize(line.Text)
			if verdict != sped.Accepted || rec.Tag != header {
				continue
			}
			if step := parser.Feed(rec, sped.Span{Offset: line.Offset, End: line.End}); step.Header {
				return parser.State(), true, nil
			}
		}
		if chunk.EOF {
			break
		}
		offset = chunk.End
	}
	return sped.State{}, false, nil
}
