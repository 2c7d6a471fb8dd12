package instrument

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// document is a parsed source snapshot. The tree must be closed.
type document struct {
	src   []byte
	lines [][]byte
	tree  *sitter.Tree
	root  *sitter.Node
}

// parse builds a syntax tree for src. A parser is created per call so the
// engine holds no shared state.
func parse(ctx context.Context, src []byte) (*document, error) {
	if bytes.IndexByte(src, 0) >= 0 {
		return nil, fmt.Errorf("%w: contains NUL bytes", ErrUnparsableSource)
	}
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrUnparsableSource)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableSource, err)
	}
	doc := &document{src: src, lines: splitLines(src), tree: tree, root: tree.RootNode()}
	if doc.allErrors() {
		tree.Close()
		return nil, fmt.Errorf("%w: no valid statements", ErrUnparsableSource)
	}
	return doc, nil
}

func (d *document) close() {
	if d.tree != nil {
		d.tree.Close()
	}
}

// allErrors reports a non-empty tree whose top-level nodes are all errors.
func (d *document) allErrors() bool {
	n := int(d.root.NamedChildCount())
	if d.root.IsError() {
		return true
	}
	if n == 0 || !d.root.HasError() {
		return false
	}
	for i := 0; i < n; i++ {
		c := d.root.NamedChild(i)
		if !c.IsError() && c.Type() != "comment" {
			return false
		}
	}
	return true
}

func (d *document) text(n *sitter.Node) string {
	return string(d.src[n.StartByte():n.EndByte()])
}

// indent returns the leading whitespace of the line n starts on.
func (d *document) indent(n *sitter.Node) string {
	row := int(n.StartPoint().Row)
	if row >= len(d.lines) {
		return ""
	}
	line := d.lines[row]
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return string(line[:i])
}

// indentUnit guesses one indentation level from the first indented line.
func (d *document) indentUnit() string {
	for _, line := range d.lines {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == len(line) || len(bytes.TrimSpace(trimmed)) == 0 {
			continue
		}
		return string(line[:len(line)-len(trimmed)])
	}
	return "    "
}

// newline returns the line terminator the file uses.
func (d *document) newline() string {
	if bytes.Contains(d.src, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}

// lastRow is the final row a node occupies.
func lastRow(n *sitter.Node) int {
	start, end := n.StartPoint(), n.EndPoint()
	if end.Column == 0 && end.Row > start.Row {
		return int(end.Row) - 1
	}
	return int(end.Row)
}

// afterStmt is the insertion point following n.
func afterStmt(n *sitter.Node) int { return lastRow(n) + 1 }

// beforeStmt is the insertion point preceding n.
func beforeStmt(n *sitter.Node) int { return int(n.StartPoint().Row) }

// walk visits the named descendants of n in document order. Returning false
// from fn skips the node's children.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if fn(c) {
			walk(c, fn)
		}
	}
}

// statementOf climbs from n to the statement directly inside a block or the
// module.
func statementOf(n *sitter.Node) *sitter.Node {
	for n != nil {
		p := n.Parent()
		if p == nil {
			return nil
		}
		if t := p.Type(); t == "block" || t == "module" {
			return n
		}
		n = p
	}
	return nil
}

// hasAncestor reports whether any ancestor of n (below stop) has one of the
// given types.
func hasAncestor(n, stop *sitter.Node, types ...string) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if stop != nil && sameNode(p, stop) {
			return false
		}
		for _, t := range types {
			if p.Type() == t {
				return true
			}
		}
	}
	return false
}

// nearestAncestor returns the closest ancestor of n with one of the types,
// not crossing a function boundary.
func nearestAncestor(n *sitter.Node, types ...string) *sitter.Node {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "function_definition" || p.Type() == "class_definition" {
			return nil
		}
		for _, t := range types {
			if p.Type() == t {
				return p
			}
		}
	}
	return nil
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

// callName returns the last component of a call's function expression:
// "step" for optimizer.step(), "Trainer" for pl.Trainer().
func (d *document) callName(call *sitter.Node) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return d.text(fn)
	case "attribute":
		if a := fn.ChildByFieldName("attribute"); a != nil {
			return d.text(a)
		}
	}
	return ""
}

// callReceiver returns the object text of an attribute call, or "".
func (d *document) callReceiver(call *sitter.Node) string {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return ""
	}
	if o := fn.ChildByFieldName("object"); o != nil {
		return d.text(o)
	}
	return ""
}

// errorCount counts error and missing nodes in the tree.
func errorCount(n *sitter.Node) int {
	if n == nil {
		return 0
	}
	count := 0
	if n.IsError() || n.IsMissing() {
		count++
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		count += errorCount(n.Child(i))
	}
	return count
}

// firstError returns the first error or missing node.
func firstError(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if e := firstError(n.Child(i)); e != nil {
			return e
		}
	}
	return nil
}

// assignmentTargets returns identifier names bound by an assignment's left
// side (plain or tuple targets).
func (d *document) assignmentTargets(assign *sitter.Node) []string {
	left := assign.ChildByFieldName("left")
	if left == nil {
		return nil
	}
	if left.Type() == "identifier" {
		return []string{d.text(left)}
	}
	var out []string
	if left.Type() == "pattern_list" || left.Type() == "tuple_pattern" {
		for i := 0; i < int(left.NamedChildCount()); i++ {
			c := left.NamedChild(i)
			if c.Type() == "identifier" {
				out = append(out, d.text(c))
			}
		}
	}
	return out
}

// splitLines splits keeping terminators.
func splitLines(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	lines := bytes.SplitAfter(b, []byte("\n"))
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func hasPrefixFold(s string, prefixes ...string) bool {
	s = strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
