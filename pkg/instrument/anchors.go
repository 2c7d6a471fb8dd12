package instrument

import (
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// entryKind identifies what the entry routine is.
type entryKind string

const (
	entryMain   entryKind = "main()"
	entryDunder entryKind = "__main__ block"
	// entryModule covers flat scripts with top-level executable statements.
	entryModule entryKind = "module"
)

type entry struct {
	kind entryKind
	body *sitter.Node
}

var mainGuardRe = regexp.MustCompile(`^__name__==(['"])__main__(['"])$|^(['"])__main__(['"])==__name__$`)

func (d *document) isMainGuard(n *sitter.Node) bool {
	if n.Type() != "if_statement" {
		return false
	}
	cond := n.ChildByFieldName("condition")
	if cond == nil {
		return false
	}
	return mainGuardRe.MatchString(strings.Join(strings.Fields(d.text(cond)), ""))
}

func isImport(n *sitter.Node) bool {
	switch n.Type() {
	case "import_statement", "import_from_statement", "future_import_statement":
		return true
	}
	return false
}

func (d *document) isDocstring(n *sitter.Node) bool {
	return n.Type() == "expression_statement" && n.NamedChildCount() == 1 && n.NamedChild(0).Type() == "string"
}

// findEntry prefers a top-level main(), then the __main__ block, then the
// module itself when it has executable top-level statements.
func (d *document) findEntry() *entry {
	var guard *sitter.Node
	for i := 0; i < int(d.root.NamedChildCount()); i++ {
		c := d.root.NamedChild(i)
		def := c
		if c.Type() == "decorated_definition" {
			def = c.ChildByFieldName("definition")
		}
		if def != nil && def.Type() == "function_definition" {
			if name := def.ChildByFieldName("name"); name != nil && d.text(name) == "main" {
				if body := def.ChildByFieldName("body"); body != nil {
					return &entry{kind: entryMain, body: body}
				}
			}
		}
		if guard == nil && d.isMainGuard(c) {
			guard = c.ChildByFieldName("consequence")
		}
	}
	if guard != nil {
		return &entry{kind: entryDunder, body: guard}
	}
	if len(d.statements(&entry{kind: entryModule, body: d.root})) > 0 {
		return &entry{kind: entryModule, body: d.root}
	}
	return nil
}

// statements lists the entry routine's own statements. For the module entry
// only executable statements count.
func (d *document) statements(e *entry) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(e.body.NamedChildCount()); i++ {
		c := e.body.NamedChild(i)
		switch c.Type() {
		case "comment":
			continue
		case "function_definition", "class_definition", "decorated_definition":
			if e.kind == entryModule {
				continue
			}
		}
		if e.kind == entryModule && (isImport(c) || d.isDocstring(c)) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// importAnchor is the last top-level import statement.
func (d *document) importAnchor() *sitter.Node {
	var last *sitter.Node
	for i := 0; i < int(d.root.NamedChildCount()); i++ {
		if c := d.root.NamedChild(i); isImport(c) {
			last = c
		}
	}
	return last
}

// importsWandb reports an existing import of the telemetry library anywhere
// in the file.
func (d *document) importsWandb() bool {
	found := false
	walk(d.root, func(n *sitter.Node) bool {
		if found {
			return false
		}
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				if topModule(d.importedName(n.NamedChild(i))) == "wandb" {
					found = true
				}
			}
			return false
		case "import_from_statement":
			if m := n.ChildByFieldName("module_name"); m != nil && topModule(d.text(m)) == "wandb" {
				found = true
			}
			return false
		}
		return true
	})
	return found
}

// importedName returns the module path of a dotted_name or aliased_import.
func (d *document) importedName(n *sitter.Node) string {
	if n.Type() == "aliased_import" {
		if name := n.ChildByFieldName("name"); name != nil {
			return d.text(name)
		}
	}
	return d.text(n)
}

func topModule(path string) string {
	top, _, _ := strings.Cut(strings.TrimSpace(path), ".")
	return top
}

// configKind classifies a statement that finalizes the run configuration.
type configKind int

const (
	configNone configKind = iota
	configNamespace
	configOmegaConf
	configMapping
	configObject
)

func (d *document) classifyConfig(call *sitter.Node) configKind {
	name := d.callName(call)
	recv := d.callReceiver(call)
	switch {
	case name == "parse_args":
		return configNamespace
	case recv == "OmegaConf" && (name == "load" || name == "create" || name == "merge"):
		return configOmegaConf
	case (recv == "yaml" && (name == "safe_load" || name == "load" || name == "full_load")) ||
		(recv == "json" && (name == "load" || name == "loads")) ||
		((recv == "tomllib" || recv == "toml") && (name == "load" || name == "loads")):
		return configMapping
	case strings.HasSuffix(name, "Config") && len(name) > len("Config"):
		return configObject
	}
	return configNone
}

type configSite struct {
	stmt   *sitter.Node
	kind   configKind
	target string
}

// configSites returns config-finalizing assignments under scope in document
// order, not descending into nested definitions.
func (d *document) configSites(scope *sitter.Node, topLevelOnly bool) []configSite {
	var out []configSite
	walk(scope, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition", "class_definition", "decorated_definition", "lambda":
			return false
		case "assignment":
			right := n.ChildByFieldName("right")
			if right == nil || right.Type() != "call" {
				return true
			}
			kind := d.classifyConfig(right)
			if kind == configNone {
				return true
			}
			stmt := statementOf(n)
			if stmt == nil || stmt.Type() != "expression_statement" {
				return true
			}
			site := configSite{stmt: stmt, kind: kind}
			if targets := d.assignmentTargets(n); len(targets) == 1 && n.ChildByFieldName("left").Type() == "identifier" {
				site.target = targets[0]
			}
			out = append(out, site)
			return false
		}
		if topLevelOnly && n.Type() != "expression_statement" {
			return false
		}
		return true
	})
	return out
}

func (s configSite) configArg() string {
	if s.target == "" {
		return ""
	}
	switch s.kind {
	case configOmegaConf:
		return "OmegaConf.to_container(" + s.target + ", resolve=True)"
	case configObject:
		return "vars(" + s.target + ")"
	default:
		return s.target
	}
}

// stepSite is a parameter update inside a loop.
type stepSite struct {
	stmt *sitter.Node
	loss string
}

func isOptimizerReceiver(recv string) bool {
	r := strings.ToLower(recv)
	if strings.Contains(r, "sched") {
		return false
	}
	return strings.Contains(r, "optim") || r == "opt" || strings.HasSuffix(r, "scaler")
}

// trainAnchor finds the first optimizer.step() (or scaler.step()) whose
// innermost enclosing loop also yields a loss value to log. reason explains
// a miss.
func (d *document) trainAnchor() (*stepSite, string) {
	reason := "no optimizer.step() inside a loop"
	var site *stepSite
	walk(d.root, func(n *sitter.Node) bool {
		if site != nil {
			return false
		}
		if n.Type() != "call" || d.callName(n) != "step" || !isOptimizerReceiver(d.callReceiver(n)) {
			return true
		}
		loop := nearestAncestor(n, "for_statement", "while_statement")
		if loop == nil {
			return true
		}
		stmt := statementOf(n)
		if stmt == nil {
			return true
		}
		loss := d.lossVar(loop)
		if loss == "" {
			reason = "update loop has no loss value to log"
			return true
		}
		site = &stepSite{stmt: stmt, loss: loss}
		return false
	})
	if site == nil {
		return nil, reason
	}
	return site, ""
}

// lossVar names the loss being backpropagated in loop.
func (d *document) lossVar(loop *sitter.Node) string {
	var name string
	walk(loop, func(n *sitter.Node) bool {
		if name != "" {
			return false
		}
		if n.Type() != "call" || d.callName(n) != "backward" {
			return true
		}
		fn := n.ChildByFieldName("function")
		if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" && d.text(obj) != "accelerator" {
			name = d.text(obj)
			return false
		}
		walk(n, func(c *sitter.Node) bool {
			if name == "" && c.Type() == "identifier" && strings.Contains(strings.ToLower(d.text(c)), "loss") {
				name = d.text(c)
			}
			return name == ""
		})
		return false
	})
	if name != "" {
		return name
	}

	walk(loop, func(n *sitter.Node) bool {
		if name != "" {
			return false
		}
		if n.Type() == "assignment" {
			for _, t := range d.assignmentTargets(n) {
				if strings.Contains(strings.ToLower(t), "loss") {
					name = t
					return false
				}
			}
		}
		return true
	})
	return name
}

var metricNameRe = regexp.MustCompile(`(?i)(acc|loss|metric|score|f1|precision|recall|auc|perplexity|ppl|bleu|rouge|iou|mse|mae|rmse|error)`)

var evalPrefixes = []string{"eval", "valid", "test"}

func isEvalName(name string) bool {
	return name != "eval" && hasPrefixFold(name, evalPrefixes...)
}

type evalSite struct {
	stmt    *sitter.Node
	metrics []string
}

// evalAnchor prefers the assignment receiving an eval*/valid*/test* call's
// result, then the final metric computation inside a no-grad block or an
// eval-named function.
func (d *document) evalAnchor() *evalSite {
	if s := d.evalCallSite(); s != nil {
		return s
	}
	return d.evalScopeSite()
}

func (d *document) evalCallSite() *evalSite {
	var site *evalSite
	walk(d.root, func(n *sitter.Node) bool {
		if site != nil {
			return false
		}
		if n.Type() == "function_definition" {
			if name := n.ChildByFieldName("name"); name != nil && isEvalName(d.text(name)) {
				return false
			}
		}
		if n.Type() != "assignment" {
			return true
		}
		right := n.ChildByFieldName("right")
		if right == nil || right.Type() != "call" || !isEvalName(d.callName(right)) {
			return true
		}
		targets := d.assignmentTargets(n)
		stmt := statementOf(n)
		if len(targets) == 0 || stmt == nil || stmt.Type() != "expression_statement" {
			return true
		}
		site = &evalSite{stmt: stmt, metrics: targets}
		return false
	})
	return site
}

func (d *document) isNoGradBlock(n *sitter.Node) bool {
	if n.Type() != "with_statement" {
		return false
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "with_clause" {
			continue
		}
		t := d.text(c)
		if strings.Contains(t, "no_grad") || strings.Contains(t, "inference_mode") {
			return true
		}
	}
	return false
}

func (d *document) evalScopeSite() *evalSite {
	var scopes []*sitter.Node
	walk(d.root, func(n *sitter.Node) bool {
		if n.Type() == "function_definition" {
			if name := n.ChildByFieldName("name"); name != nil && isEvalName(d.text(name)) {
				scopes = append(scopes, n)
				return false
			}
		}
		if d.isNoGradBlock(n) {
			scopes = append(scopes, n)
			return false
		}
		return true
	})

	for _, scope := range scopes {
		body := scope.ChildByFieldName("body")
		if body == nil {
			continue
		}
		var outer, inner *evalSite
		walk(body, func(n *sitter.Node) bool {
			switch n.Type() {
			case "function_definition", "class_definition", "lambda":
				return false
			case "assignment", "augmented_assignment":
				var metrics []string
				if n.Type() == "assignment" {
					metrics = d.assignmentTargets(n)
				} else if left := n.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
					metrics = []string{d.text(left)}
				}
				var named []string
				for _, m := range metrics {
					if metricNameRe.MatchString(m) {
						named = append(named, m)
					}
				}
				stmt := statementOf(n)
				if len(named) == 0 || stmt == nil || stmt.Type() != "expression_statement" {
					return true
				}
				s := &evalSite{stmt: stmt, metrics: named}
				if hasAncestor(stmt, scope, "for_statement", "while_statement") {
					inner = s
				} else {
					outer = s
				}
				return false
			}
			return true
		})
		if outer != nil {
			return outer
		}
		if inner != nil {
			return inner
		}
	}
	return nil
}

var distributedIdents = map[string]bool{
	"rank":                  true,
	"local_rank":            true,
	"global_rank":           true,
	"get_rank":              true,
	"init_process_group":    true,
	"is_main_process":       true,
	"is_local_main_process": true,
}

// distributed reports evidence of multi-process execution.
func (d *document) distributed() bool {
	found := false
	walk(d.root, func(n *sitter.Node) bool {
		if found {
			return false
		}
		switch n.Type() {
		case "identifier":
			if distributedIdents[d.text(n)] {
				found = true
			}
		case "dotted_name", "attribute":
			t := strings.Join(strings.Fields(d.text(n)), "")
			if t == "torch.distributed" || strings.HasPrefix(t, "torch.distributed.") {
				found = true
			}
		}
		return !found
	})
	return found
}
