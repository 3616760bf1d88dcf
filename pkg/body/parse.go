package body

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/jobtrail/internal/assets/schemas"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const schemaURL = "jobtrail://schemas/job-body.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Issue is a single schema violation.
type Issue struct {
	// Path is the JSON pointer to the offending value (e.g. "/InputFiles/0").
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Parse decodes a JSON or YAML body, validates it against the embedded body
// schema and returns the typed document. An empty payload is rejected.
func Parse(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, &MalformedError{Reason: "empty payload"}
	}

	jsonData, err := toJSON(data)
	if err != nil {
		return Document{}, err
	}

	if issues, err := Validate(jsonData); err != nil {
		return Document{}, err
	} else if len(issues) > 0 {
		parts := make([]string, 0, len(issues))
		for _, is := range issues {
			parts = append(parts, is.String())
		}
		return Document{}, &MalformedError{Reason: strings.Join(parts, "; ")}
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return Document{}, &MalformedError{Reason: "decode", Err: err}
	}
	return Empty().Merge(doc), nil
}

// ParseOrEmpty is Parse with an empty payload treated as an empty document.
// Instance bodies are optional overrides and are commonly unset.
func ParseOrEmpty(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Empty(), nil
	}
	return Parse(data)
}

// Validate checks JSON data against the body schema and returns the leaf
// violations sorted by path. A non-nil error means the data could not be
// checked at all.
func Validate(jsonData []byte) ([]Issue, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &MalformedError{Reason: "invalid JSON", Err: err}
	}

	err = s.Validate(raw)
	if err == nil {
		return nil, nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, fmt.Errorf("validate body: %w", err)
	}

	var issues []Issue
	collectIssues(verr, &issues)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues, nil
}

func collectIssues(e *jsonschema.ValidationError, out *[]Issue) {
	if len(e.Causes) == 0 {
		*out = append(*out, Issue{Path: e.InstanceLocation, Message: e.Message})
		return
	}
	for _, c := range e.Causes {
		collectIssues(c, out)
	}
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemasassets.JobBodySchema) == 0 {
			schemaErr = fmt.Errorf("embedded job-body schema is empty")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemasassets.JobBodySchema)); err != nil {
			schemaErr = fmt.Errorf("add body schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile body schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// toJSON normalizes a JSON or YAML payload to JSON. YAML is a superset of
// JSON, so YAML decoding is attempted first.
func toJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		var asJSON any
		if jsonErr := json.Unmarshal(data, &asJSON); jsonErr == nil {
			return data, nil
		}
		return nil, &MalformedError{Reason: "invalid YAML or JSON", Err: err}
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, &MalformedError{Reason: fmt.Sprintf("document must be a mapping, got %T", raw)}
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, &MalformedError{Reason: "convert to JSON", Err: err}
	}
	return out, nil
}
