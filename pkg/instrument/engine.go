package instrument

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// EnvProject is the variable the telemetry library reads its project from.
const EnvProject = "WANDB_PROJECT"

// primaryVar is the module-level flag inserted in distributed sources.
const primaryVar = "_wandb_primary"

// Options configures planning.
type Options struct {
	// Project is the telemetry project name.
	Project string
}

// Analyze computes the instrumentation plan for one source file. On
// ErrNoAnchorsFound the returned plan is non-nil and empty.
func Analyze(ctx context.Context, src []byte, opts Options) (*Plan, error) {
	doc, err := parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer doc.close()

	if doc.importsWandb() {
		return nil, ErrAlreadyInstrumented
	}

	plan := &Plan{
		Project:     opts.Project,
		Distributed: doc.distributed(),
		Env:         map[string]string{},
		digest:      sha256.Sum256(src),
	}
	if opts.Project != "" {
		plan.Env[EnvProject] = opts.Project
	}

	if fw := doc.detectFramework(); fw != FrameworkNone {
		plan.Framework = fw
		plan.Stanza = stanza(fw, opts.Project)
		for _, intent := range Intents {
			plan.Steps = append(plan.Steps, Step{
				Intent: intent,
				Mode:   ModeShortcut,
				Reason: fmt.Sprintf("handled by the %s integration", fw),
			})
		}
		return plan, nil
	}

	b := &builder{doc: doc, plan: plan, unit: doc.indentUnit(), nl: doc.newline()}
	b.build()
	if plan.Empty() {
		return plan, ErrNoAnchorsFound
	}
	return plan, nil
}

type builder struct {
	doc  *document
	plan *Plan
	unit string
	nl   string
}

func (b *builder) unresolved(intent Intent, reason string) {
	b.plan.Steps = append(b.plan.Steps, Step{Intent: intent, Mode: ModeUnresolved, Reason: reason})
}

func (b *builder) insert(intent Intent, after int, text string) {
	b.plan.Steps = append(b.plan.Steps, Step{Intent: intent, Mode: ModeInsert, After: after, Text: text})
}

// render indents lines at indent, wrapped in the primary-rank check when
// guarded.
func (b *builder) render(indent string, guarded bool, lines ...string) string {
	var sb strings.Builder
	if guarded {
		sb.WriteString(indent + "if " + primaryVar + ":" + b.nl)
		indent += b.unit
	}
	for _, l := range lines {
		sb.WriteString(indent + l + b.nl)
	}
	return sb.String()
}

func (b *builder) build() {
	doc := b.doc
	guard := b.plan.Distributed

	imp := doc.importAnchor()
	if imp == nil {
		for _, intent := range Intents {
			b.unresolved(intent, "no top-level import to anchor the telemetry import")
		}
		return
	}
	importAfter := afterStmt(imp)
	lines := []string{"import wandb"}
	if guard {
		lines = append([]string{"import os"}, append(lines, primaryVar+` = int(os.environ.get("RANK", "0")) == 0`)...)
	}
	b.insert(IntentImport, importAfter, b.render("", false, lines...))

	// Module-level insertions must follow the telemetry import.
	clamp := func(after int, indent string) int {
		if indent == "" && after < importAfter {
			return importAfter
		}
		return after
	}

	ent := doc.findEntry()

	// init
	project := strconv.Quote(b.plan.Project)
	site := b.configSite(ent)
	switch {
	case site != nil:
		call := "wandb.init(project=" + project
		if arg := site.configArg(); arg != "" {
			call += ", config=" + arg
		}
		indent := doc.indent(site.stmt)
		b.insert(IntentInit, clamp(afterStmt(site.stmt), indent), b.render(indent, guard, call+")"))
	case ent != nil:
		stmts := doc.statements(ent)
		first := firstNonDocstring(doc, stmts)
		if first == nil {
			b.unresolved(IntentInit, "entry routine has no statements")
			break
		}
		// wandb.log fails before wandb.init, so init still goes in, at the
		// top of the entry routine, and the plan reports it as a fallback.
		indent := doc.indent(first)
		b.insert(IntentInit, clamp(beforeStmt(first), indent), b.render(indent, guard, "wandb.init(project="+project+")"))
		last := &b.plan.Steps[len(b.plan.Steps)-1]
		last.Fallback = true
		last.Reason = "no configuration statement; placed at the start of the entry routine"
	default:
		b.unresolved(IntentInit, "no configuration statement and no entry routine")
	}

	// train-log
	if step, reason := doc.trainAnchor(); step != nil {
		indent := doc.indent(step.stmt)
		b.insert(IntentTrainLog, afterStmt(step.stmt), b.render(indent, guard,
			fmt.Sprintf(`wandb.log({"train/loss": float(%s)})`, step.loss)))
	} else {
		b.unresolved(IntentTrainLog, reason)
	}

	// eval-log
	if ev := doc.evalAnchor(); ev != nil {
		pairs := make([]string, len(ev.metrics))
		for i, m := range ev.metrics {
			pairs[i] = fmt.Sprintf(`"eval/%s": %s`, m, m)
		}
		indent := doc.indent(ev.stmt)
		b.insert(IntentEvalLog, clamp(afterStmt(ev.stmt), indent), b.render(indent, guard,
			"wandb.log({"+strings.Join(pairs, ", ")+"})"))
	} else {
		b.unresolved(IntentEvalLog, "no metric computation under no_grad/inference_mode or in an eval/valid/test function")
	}

	// finish
	if ent == nil {
		b.unresolved(IntentFinish, "no entry routine (main() or __main__ block)")
		return
	}
	stmts := doc.statements(ent)
	if len(stmts) == 0 {
		b.unresolved(IntentFinish, "entry routine has no statements")
		return
	}
	last := stmts[len(stmts)-1]
	at := afterStmt(last)
	if last.Type() == "return_statement" || (ent.kind != entryMain && strings.Contains(doc.text(last), "exit(")) {
		at = beforeStmt(last)
	}
	indent := doc.indent(last)
	b.insert(IntentFinish, clamp(at, indent), b.render(indent, guard, "wandb.finish()"))
}

// configSite finds the last config-finalizing statement, searching the entry
// routine first and then top-level statements.
func (b *builder) configSite(ent *entry) *configSite {
	var sites []configSite
	if ent != nil {
		sites = b.doc.configSites(ent.body, ent.kind == entryModule)
	}
	if len(sites) == 0 && (ent == nil || ent.kind != entryModule) {
		sites = b.doc.configSites(b.doc.root, true)
	}
	if len(sites) == 0 {
		return nil
	}
	s := sites[len(sites)-1]
	return &s
}

func firstNonDocstring(doc *document, stmts []*sitter.Node) *sitter.Node {
	for _, s := range stmts {
		if !doc.isDocstring(s) {
			return s
		}
	}
	return nil
}

// Patch is the result of Apply: the original bytes (the recoverable backup)
// and the edits that produced Patched.
type Patch struct {
	Original  []byte            `json:"-"`
	Patched   []byte            `json:"-"`
	Edits     []Edit            `json:"edits"`
	Framework Framework         `json:"framework,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Changed reports whether the patch modifies the source.
func (p *Patch) Changed() bool { return len(p.Edits) > 0 }

// Apply inserts every resolved intent of plan into src. It is pure: nothing
// is written. The patched text is re-parsed; if it introduces a syntax error
// Apply fails and returns no patch. The plan is consumed either way.
func Apply(src []byte, plan *Plan) (*Patch, error) {
	if plan == nil {
		return nil, errors.New("apply: nil plan")
	}
	if plan.consumed {
		return nil, ErrPlanConsumed
	}
	if sha256.Sum256(src) != plan.digest {
		return nil, ErrSourceChanged
	}
	plan.consumed = true

	original := append([]byte(nil), src...)
	edits := plan.edits()
	patch := &Patch{Original: original, Edits: edits, Framework: plan.Framework, Env: plan.Env}
	if len(edits) == 0 {
		patch.Patched = append([]byte(nil), src...)
		return patch, nil
	}

	patched := insertEdits(src, edits)
	if err := checkSyntax(src, patched); err != nil {
		return nil, err
	}
	patch.Patched = patched
	return patch, nil
}

// Revert returns the exact original bytes.
func Revert(p *Patch) []byte {
	return append([]byte(nil), p.Original...)
}

// insertEdits applies edits (ascending by After) in descending line order so
// earlier insertion points stay valid.
func insertEdits(src []byte, edits []Edit) []byte {
	lines := splitLines(src)
	nl := "\n"
	if strings.Contains(string(src), "\r\n") {
		nl = "\r\n"
	}

	type group struct {
		after int
		text  string
	}
	var groups []group
	for _, e := range edits {
		if n := len(groups); n > 0 && groups[n-1].after == e.After {
			groups[n-1].text += e.Text
			continue
		}
		groups = append(groups, group{after: e.After, text: e.Text})
	}

	out := make([][]byte, len(lines))
	copy(out, lines)
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		at := g.after
		if at > len(out) {
			at = len(out)
		}
		if at == len(out) && at > 0 && !strings.HasSuffix(string(out[at-1]), "\n") {
			out[at-1] = append(append([]byte(nil), out[at-1]...), nl...)
		}
		ins := [][]byte{[]byte(g.text)}
		out = append(out[:at], append(ins, out[at:]...)...)
	}

	var size int
	for _, l := range out {
		size += len(l)
	}
	buf := make([]byte, 0, size)
	for _, l := range out {
		buf = append(buf, l...)
	}
	return buf
}

// checkSyntax rejects a patched source with more syntax errors than the
// original.
func checkSyntax(original, patched []byte) error {
	ctx := context.Background()
	before, err := parse(ctx, original)
	if err != nil {
		return err
	}
	baseline := errorCount(before.root)
	before.close()

	after, err := parse(ctx, patched)
	if err != nil {
		return &SyntaxError{Line: 1}
	}
	defer after.close()
	if errorCount(after.root) > baseline {
		line := 1
		if n := firstError(after.root); n != nil {
			line = int(n.StartPoint().Row) + 1
		}
		return &SyntaxError{Line: line}
	}
	return nil
}
