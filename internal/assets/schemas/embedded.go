// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so experiment validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ExperimentSchema is the embedded experiment configuration JSON schema.
//
//go:embed experiment.schema.json
var ExperimentSchema []byte
