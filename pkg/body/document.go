// Package body parses and evaluates job body documents.
//
// A body describes a job's I/O contract and parameters in three sections:
// InputFiles (each with a source), OutputFiles (each with a target) and
// MetaData (name/value/type variables). Job bodies are evaluated on their
// own; instance bodies are overrides appended after the parent job's body.
package body

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedBody indicates a payload of the wrong shape or with missing
// required sections.
var ErrMalformedBody = errors.New("malformed body")

// MalformedError describes why a payload was rejected.
type MalformedError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed body: %s: %v", e.Reason, e.Err)
	}
	return "malformed body: " + e.Reason
}

// Unwrap returns ErrMalformedBody for errors.Is support.
func (e *MalformedError) Unwrap() error {
	return ErrMalformedBody
}

// Section names, as they appear in the document.
const (
	SectionInputFiles  = "InputFiles"
	SectionOutputFiles = "OutputFiles"
	SectionMetaData    = "MetaData"
)

// File is an entry of InputFiles or OutputFiles.
type File struct {
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
	FileType string `json:"file_type,omitempty" yaml:"file_type,omitempty"`
}

// Text is a metadata value. Numbers and booleans in the source document are
// kept in their literal textual form.
type Text string

// UnmarshalJSON accepts strings, numbers and booleans.
func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		*t = ""
		return nil
	}
	*t = Text(trimmed)
	return nil
}

// Variable is a MetaData entry.
type Variable struct {
	Name  string `json:"name" yaml:"name"`
	Value Text   `json:"value" yaml:"value"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Document is a parsed body.
type Document struct {
	InputFiles  []File     `json:"InputFiles" yaml:"InputFiles"`
	OutputFiles []File     `json:"OutputFiles" yaml:"OutputFiles"`
	MetaData    []Variable `json:"MetaData" yaml:"MetaData"`
}

// Empty returns a document with all three sections present and empty.
func Empty() Document {
	return Document{
		InputFiles:  []File{},
		OutputFiles: []File{},
		MetaData:    []Variable{},
	}
}

// IsEmpty reports whether no section has entries.
func (d Document) IsEmpty() bool {
	return len(d.InputFiles) == 0 && len(d.OutputFiles) == 0 && len(d.MetaData) == 0
}

// Merge returns d with the entries of override appended section by section.
func (d Document) Merge(override Document) Document {
	out := Empty()
	out.InputFiles = append(append(out.InputFiles, d.InputFiles...), override.InputFiles...)
	out.OutputFiles = append(append(out.OutputFiles, d.OutputFiles...), override.OutputFiles...)
	out.MetaData = append(append(out.MetaData, d.MetaData...), override.MetaData...)
	return out
}

// InputSources returns the source of every input file.
func (d Document) InputSources() []string {
	out := make([]string, 0, len(d.InputFiles))
	for _, f := range d.InputFiles {
		out = append(out, f.Source)
	}
	return out
}

// OutputTargets returns the target of every output file.
func (d Document) OutputTargets() []string {
	out := make([]string, 0, len(d.OutputFiles))
	for _, f := range d.OutputFiles {
		out = append(out, f.Target)
	}
	return out
}

// MetaDataVariables returns the metadata as a name/value map. Later entries
// win over earlier ones with the same name.
func (d Document) MetaDataVariables() map[string]string {
	out := make(map[string]string, len(d.MetaData))
	for _, v := range d.MetaData {
		out[v.Name] = string(v.Value)
	}
	return out
}

// WithVariables returns a copy of d with the variables appended as
// string-typed MetaData entries.
func (d Document) WithVariables(vars []Variable) Document {
	out := Empty().Merge(d)
	for _, v := range vars {
		if v.Type == "" {
			v.Type = "str"
		}
		out.MetaData = append(out.MetaData, v)
	}
	return out
}

// Marshal encodes d as compact JSON with all three sections present.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(Empty().Merge(d))
}
