package jobregistry

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
)

// maxLogLine bounds a single log line. Longer lines are truncated to this
// many bytes; the rest of the line is dropped.
const maxLogLine = 1024 * 1024

// TailLines returns the last n lines of r. Lines end at "\n", "\r\n" or a
// lone "\r", so progress bars that redraw in place count as lines too.
func TailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	seg := &lineSplitter{max: maxLogLine}
	scanner.Split(seg.split)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// lineSplitter is a bufio.SplitFunc that never fails on long lines: once max
// bytes pass without a terminator it emits the head and skips to the next
// terminator.
type lineSplitter struct {
	max      int
	skipping bool
}

func (s *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' {
			switch {
			case i+1 < len(data):
				if data[i+1] == '\n' {
					advance++
				}
			case !atEOF && len(data) < s.max:
				// A "\n" may follow in the next read.
				return 0, nil, nil
			}
		}
		if s.skipping {
			s.skipping = false
			return advance, nil, nil
		}
		return advance, truncate(data[:i], s.max), nil
	}

	if len(data) >= s.max {
		if s.skipping {
			return len(data), nil, nil
		}
		s.skipping = true
		return len(data), data[:s.max], nil
	}

	if atEOF {
		if s.skipping {
			s.skipping = false
			return len(data), nil, nil
		}
		return len(data), data, nil
	}
	return 0, nil, nil
}

func truncate(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

// TailFile returns the last n lines of the log at path. A log that does not
// exist yet has no lines.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// Only the end of large logs matters.
	const window = 4 * 1024 * 1024
	if info, err := f.Stat(); err == nil && info.Size() > window {
		if _, err := f.Seek(info.Size()-window, io.SeekStart); err != nil {
			return nil, err
		}
		lines, err := TailLines(f, n+1)
		if err != nil {
			return nil, err
		}
		// The first line is likely cut by the seek.
		if len(lines) > n {
			lines = lines[1:]
		}
		return lines, nil
	}
	return TailLines(f, n)
}
