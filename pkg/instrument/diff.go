package instrument

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// diffContext is the number of unchanged lines around each hunk.
const diffContext = 3

// Diff renders the patch as a unified diff of name. Edits whose context
// windows overlap share a hunk.
func (p *Patch) Diff(name string) (string, error) {
	if !p.Changed() {
		return "", nil
	}
	orig := splitLines(p.Original)

	type span struct {
		start, end int
		edits      []Edit
	}
	var spans []span
	for _, e := range p.Edits {
		start := max(0, e.After-diffContext)
		end := min(len(orig), e.After+diffContext)
		if n := len(spans); n > 0 && start <= spans[n-1].end {
			spans[n-1].end = max(spans[n-1].end, end)
			spans[n-1].edits = append(spans[n-1].edits, e)
			continue
		}
		spans = append(spans, span{start: start, end: end, edits: []Edit{e}})
	}

	fd := &diff.FileDiff{OrigName: "a/" + name, NewName: "b/" + name}
	shift := 0
	for _, s := range spans {
		var body strings.Builder
		added := 0
		emit := func(at int) {
			for _, e := range s.edits {
				if e.After != at {
					continue
				}
				for _, l := range splitLines([]byte(e.Text)) {
					body.WriteString("+" + strings.TrimRight(string(l), "\r\n") + "\n")
					added++
				}
			}
		}
		for i := s.start; i < s.end; i++ {
			emit(i)
			body.WriteString(" " + strings.TrimRight(string(orig[i]), "\r\n") + "\n")
		}
		emit(s.end)

		origLines := s.end - s.start
		h := &diff.Hunk{
			OrigStartLine: int32(s.start + 1),
			OrigLines:     int32(origLines),
			NewStartLine:  int32(s.start + 1 + shift),
			NewLines:      int32(origLines + added),
			Body:          []byte(body.String()),
		}
		if origLines == 0 {
			h.OrigStartLine = int32(s.start)
		}
		fd.Hunks = append(fd.Hunks, h)
		shift += added
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
