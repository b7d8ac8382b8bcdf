package service

import (
	"bufio"
	"bytes"
	"io"
)

const prefixGroupMaxLen = 24

// prefixWriter prepends the group name to every output line so interleaved
// runner output stays attributable to its group.
type prefixWriter struct {
	w      io.Writer
	prefix []byte
}

func newPrefixWriter(w io.Writer, group string) *prefixWriter {
	if len(group) > prefixGroupMaxLen {
		group = group[:prefixGroupMaxLen] + "..."
	}
	return &prefixWriter{w: w, prefix: []byte("{" + group + "} ")}
}

func (p *prefixWriter) Write(data []byte) (int, error) {
	reader := bufio.NewReader(bytes.NewReader(data))

	var written int
	for {
		line, err := reader.ReadBytes('\n')

		// a partial line before io.EOF still has to be written out,
		// only unexpected errors terminate early
		if err != nil && err != io.EOF {
			return written, err
		}

		if len(line) > 0 {
			if _, werr := p.w.Write(p.prefix); werr != nil {
				return written, werr
			}
			n, werr := p.w.Write(line)
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
