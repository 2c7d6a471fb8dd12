package instrument

import (
	"crypto/sha256"
	"sort"
)

// Plan is the ordered set of intents for one source file. A plan is consumed
// by exactly one Apply.
type Plan struct {
	Project     string    `json:"project"`
	Framework   Framework `json:"framework,omitempty"`
	Distributed bool      `json:"distributed"`
	Steps       []Step    `json:"steps"`

	// Env holds variables the launcher injects into the job. Framework
	// shortcuts are configured entirely through it.
	Env map[string]string `json:"env,omitempty"`
	// Stanza is the framework configuration a user can adopt to make the
	// shortcut explicit. It is never written into the source.
	Stanza string `json:"stanza,omitempty"`

	digest   [sha256.Size]byte
	consumed bool
}

// ConfigurationOnly reports whether the plan edits no line.
func (p *Plan) ConfigurationOnly() bool {
	return p.Framework != FrameworkNone
}

// Step returns the step for intent.
func (p *Plan) Step(intent Intent) (Step, bool) {
	for _, s := range p.Steps {
		if s.Intent == intent {
			return s, true
		}
	}
	return Step{}, false
}

// Unresolved lists intents without an anchor.
func (p *Plan) Unresolved() []Intent {
	var out []Intent
	for _, s := range p.Steps {
		if s.Mode == ModeUnresolved {
			out = append(out, s.Intent)
		}
	}
	return out
}

// Fallbacks lists intents inserted at a default location instead of their
// anchor.
func (p *Plan) Fallbacks() []Intent {
	var out []Intent
	for _, s := range p.Steps {
		if s.Mode == ModeInsert && s.Fallback {
			out = append(out, s.Intent)
		}
	}
	return out
}

// Partial reports whether at least one intent is unresolved or placed by
// fallback.
func (p *Plan) Partial() bool {
	return len(p.Unresolved()) > 0 || len(p.Fallbacks()) > 0
}

// Empty reports whether the plan would change nothing and configure nothing.
func (p *Plan) Empty() bool {
	if p.ConfigurationOnly() {
		return false
	}
	for _, s := range p.Steps {
		if s.Mode == ModeInsert {
			return false
		}
	}
	return true
}

// Consumed reports whether Apply has already used the plan.
func (p *Plan) Consumed() bool { return p.consumed }

// edits returns the insertion steps as edits in ascending line order. Edits
// sharing an insertion point keep intent order.
func (p *Plan) edits() []Edit {
	var out []Edit
	for _, s := range p.Steps {
		if s.Mode != ModeInsert {
			continue
		}
		out = append(out, Edit{Intent: s.Intent, After: s.After, Text: s.Text})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].After < out[j].After })
	return out
}
