// Package instrument plans, applies and reverts telemetry insertions into
// Python training scripts.
//
// Anchors are located on the tree-sitter syntax tree, so comments and string
// literals never match. Applying a plan is a pure transformation; writing the
// result to disk (with a colocated backup) is a separate step.
package instrument

import (
	"errors"
	"fmt"
)

// Intent names one telemetry insertion.
type Intent string

const (
	IntentImport   Intent = "import"
	IntentInit     Intent = "init"
	IntentTrainLog Intent = "train-log"
	IntentEvalLog  Intent = "eval-log"
	IntentFinish   Intent = "finish"
)

// Intents lists every intent in plan order.
var Intents = []Intent{IntentImport, IntentInit, IntentTrainLog, IntentEvalLog, IntentFinish}

// Mode is how a plan step is carried out.
type Mode string

const (
	// ModeShortcut means the framework integration covers the intent through
	// configuration; no line is edited.
	ModeShortcut Mode = "shortcut"
	// ModeInsert means an explicit line-level insertion.
	ModeInsert Mode = "insert"
	// ModeUnresolved means no anchor was found. Unresolved intents are
	// reported, never guessed.
	ModeUnresolved Mode = "unresolved"
)

// Framework is a recognized training abstraction with its own telemetry
// integration.
type Framework string

const (
	FrameworkNone        Framework = ""
	FrameworkHuggingFace Framework = "huggingface"
	FrameworkLightning   Framework = "lightning"
	FrameworkKeras       Framework = "keras"
)

// Step is one planned intent.
type Step struct {
	Intent Intent `json:"intent"`
	Mode   Mode   `json:"mode"`
	// After is the number of original lines preceding the insertion point.
	// Only meaningful for ModeInsert.
	After  int    `json:"after,omitempty"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Fallback marks an insertion placed at a default location because the
	// intended anchor was not found. Reason says which anchor was missing.
	Fallback bool `json:"fallback,omitempty"`
}

// Edit is one insertion recorded in a Patch.
type Edit struct {
	Intent Intent `json:"intent"`
	After  int    `json:"after"`
	Text   string `json:"text"`
}

// Lines returns the number of lines the edit inserts.
func (e Edit) Lines() int {
	return len(splitLines([]byte(e.Text)))
}

// Errors returned by the engine.
var (
	// ErrUnparsableSource is fatal for the file: binary content, NUL bytes,
	// invalid UTF-8, or a syntax tree made only of error nodes.
	ErrUnparsableSource = errors.New("source is not parsable python")

	// ErrNoAnchorsFound is not fatal: the returned plan is empty and the
	// caller decides whether to continue uninstrumented.
	ErrNoAnchorsFound = errors.New("no instrumentation anchors found")

	// ErrAlreadyInstrumented indicates the source already imports the
	// telemetry library.
	ErrAlreadyInstrumented = errors.New("source already imports wandb")

	// ErrPlanConsumed indicates Apply was called twice with the same plan.
	ErrPlanConsumed = errors.New("instrumentation plan already applied")

	// ErrSourceChanged indicates Apply received different bytes than the plan
	// was computed from.
	ErrSourceChanged = errors.New("source changed since plan was computed")

	// ErrBackupExists indicates an earlier instrumentation was never restored
	// or discarded.
	ErrBackupExists = errors.New("instrumentation backup already exists")

	// ErrNoBackup indicates Restore or Discard found no backup file.
	ErrNoBackup = errors.New("no instrumentation backup")
)

// SyntaxError reports that the patched source no longer parses cleanly.
type SyntaxError struct {
	Line int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("patched source has a syntax error near line %d", e.Line)
}

// IsUnparsable returns true if the source could not be parsed at all.
func IsUnparsable(err error) bool {
	return errors.Is(err, ErrUnparsableSource)
}

// IsNoAnchors returns true if the plan carries no insertion.
func IsNoAnchors(err error) bool {
	return errors.Is(err, ErrNoAnchorsFound)
}
