// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so body validation works regardless
// of the working directory or installation location.
package schemasassets

import _ "embed"

// JobBodySchema is the embedded schema for job and instance body documents.
//
//go:embed job-body.schema.json
var JobBodySchema []byte
