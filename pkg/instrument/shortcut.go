package instrument

import (
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// imports records what a file imports: module paths, plus the module each
// bound name comes from ("pl" -> "pytorch_lightning", "Trainer" ->
// "transformers").
type imports struct {
	modules map[string]bool
	origin  map[string]string
}

func (d *document) collectImports() imports {
	im := imports{modules: map[string]bool{}, origin: map[string]string{}}
	walk(d.root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				mod := d.importedName(c)
				im.modules[mod] = true
				if c.Type() == "aliased_import" {
					if alias := c.ChildByFieldName("alias"); alias != nil {
						im.origin[d.text(alias)] = mod
					}
				} else {
					im.origin[topModule(mod)] = topModule(mod)
				}
			}
			return false
		case "import_from_statement":
			m := n.ChildByFieldName("module_name")
			if m == nil {
				return false
			}
			mod := d.text(m)
			im.modules[mod] = true
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				if sameNode(c, m) {
					continue
				}
				switch c.Type() {
				case "dotted_name":
					im.origin[d.text(c)] = mod
				case "aliased_import":
					if alias := c.ChildByFieldName("alias"); alias != nil {
						im.origin[d.text(alias)] = mod
					}
				}
			}
			return false
		}
		return true
	})
	return im
}

func (im imports) has(prefixes ...string) bool {
	for mod := range im.modules {
		top := topModule(mod)
		for _, p := range prefixes {
			if top == p {
				return true
			}
		}
	}
	return false
}

func moduleIn(mod string, prefixes ...string) bool {
	top := topModule(mod)
	for _, p := range prefixes {
		if top == p {
			return true
		}
	}
	return false
}

var (
	hfModules        = []string{"transformers", "trl"}
	lightningModules = []string{"lightning", "pytorch_lightning"}
	kerasModules     = []string{"keras", "tensorflow", "tf_keras"}
)

var hfNames = map[string]bool{
	"Trainer":                  true,
	"Seq2SeqTrainer":           true,
	"SFTTrainer":               true,
	"TrainingArguments":        true,
	"Seq2SeqTrainingArguments": true,
	"SFTConfig":                true,
}

// detectFramework looks for a trainer abstraction with a built-in telemetry
// integration: Hugging Face Trainer, Lightning Trainer, Keras fit(). A fit()
// call counts as Keras only when its receiver was built from a Keras model
// class or the call already passes callbacks=; scikit-learn and friends
// also have fit().
func (d *document) detectFramework() Framework {
	im := d.collectImports()
	var hf, lightning, keras bool
	var models map[string]bool
	if im.has(kerasModules...) {
		models = d.kerasModels(im)
	}

	walk(d.root, func(n *sitter.Node) bool {
		if n.Type() != "call" {
			return true
		}
		name := d.callName(n)
		origin := d.callOrigin(n, im)

		switch {
		case hfNames[name] && moduleIn(origin, hfModules...):
			hf = true
		case name == "Trainer" && moduleIn(origin, lightningModules...):
			lightning = true
		case name == "fit" && models != nil && (models[d.callReceiver(n)] || d.hasKeyword(n, "callbacks")):
			keras = true
		}
		return true
	})

	switch {
	case hf:
		return FrameworkHuggingFace
	case lightning:
		return FrameworkLightning
	case keras:
		return FrameworkKeras
	}
	return FrameworkNone
}

// callOrigin resolves the module a callee comes from: the receiver alias
// for pl.Trainer(), the from-import for a bare Trainer().
func (d *document) callOrigin(call *sitter.Node, im imports) string {
	recv := d.callReceiver(call)
	if recv == "" {
		return im.origin[d.callName(call)]
	}
	if origin := im.origin[topModule(recv)]; origin != "" {
		return origin
	}
	return recv
}

var kerasModelNames = map[string]bool{
	"Model":      true,
	"Sequential": true,
	"load_model": true,
}

// kerasModels returns the variables assigned from a Keras model
// constructor, including subclasses of keras Model declared in the file.
func (d *document) kerasModels(im imports) map[string]bool {
	classes := map[string]bool{}
	walk(d.root, func(n *sitter.Node) bool {
		if n.Type() != "class_definition" {
			return true
		}
		bases := n.ChildByFieldName("superclasses")
		if bases == nil {
			return true
		}
		for i := 0; i < int(bases.NamedChildCount()); i++ {
			base := d.text(bases.NamedChild(i))
			short, recv := base, ""
			if dot := strings.LastIndexByte(base, '.'); dot >= 0 {
				recv, short = base[:dot], base[dot+1:]
			}
			if !kerasModelNames[short] {
				continue
			}
			origin := im.origin[short]
			if recv != "" {
				if origin = im.origin[topModule(recv)]; origin == "" {
					origin = recv
				}
			}
			if moduleIn(origin, kerasModules...) {
				if name := n.ChildByFieldName("name"); name != nil {
					classes[d.text(name)] = true
				}
			}
		}
		return true
	})

	models := map[string]bool{}
	walk(d.root, func(n *sitter.Node) bool {
		if n.Type() != "assignment" {
			return true
		}
		right := n.ChildByFieldName("right")
		if right == nil || right.Type() != "call" {
			return true
		}
		name := d.callName(right)
		if classes[name] || (kerasModelNames[name] && moduleIn(d.callOrigin(right, im), kerasModules...)) {
			for _, target := range d.assignmentTargets(n) {
				models[target] = true
			}
		}
		return true
	})
	return models
}

// hasKeyword reports whether call passes the keyword argument kw.
func (d *document) hasKeyword(call *sitter.Node, kw string) bool {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		if a.Type() != "keyword_argument" {
			continue
		}
		if name := a.ChildByFieldName("name"); name != nil && d.text(name) == kw {
			return true
		}
	}
	return false
}

// stanza is the configuration a user can adopt to make the integration
// explicit.
func stanza(fw Framework, project string) string {
	p := strconv.Quote(project)
	var lines []string
	switch fw {
	case FrameworkHuggingFace:
		lines = []string{
			`TrainingArguments(..., report_to=["wandb"])`,
			fmt.Sprintf("# %s=%s", EnvProject, project),
		}
	case FrameworkLightning:
		lines = []string{
			"from lightning.pytorch.loggers import WandbLogger",
			fmt.Sprintf("Trainer(..., logger=WandbLogger(project=%s))", p),
		}
	case FrameworkKeras:
		lines = []string{
			"from wandb.integration.keras import WandbMetricsLogger",
			fmt.Sprintf("wandb.init(project=%s)", p),
			"model.fit(..., callbacks=[WandbMetricsLogger()])",
		}
	}
	return strings.Join(lines, "\n")
}
