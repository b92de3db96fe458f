package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrNotText indicates the artifact is not a text document.
	ErrNotText = errors.New("notebook: artifact is not a text document")
	// ErrInvalidNotebook indicates the document does not have notebook structure.
	ErrInvalidNotebook = errors.New("notebook: invalid notebook structure")
)

// The structure checked here is the subset of nbformat v4 the grading pipeline depends on.
const notebookSchema = `{
  "type": "object",
  "required": ["cells", "metadata", "nbformat"],
  "properties": {
    "nbformat": {"type": "integer", "minimum": 4},
    "metadata": {"type": "object"},
    "cells": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["cell_type", "source"],
        "properties": {
          "cell_type": {"type": "string"},
          "metadata": {
            "type": "object",
            "properties": {
              "nbgrader": {
                "type": "object",
                "properties": {
                  "grade_id": {"type": "string"},
                  "points": {"type": "number", "minimum": 0}
                }
              }
            }
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("notebook.schema.json", notebookSchema)

// Notebook is a parsed notebook document. Unknown fields are preserved on write.
type Notebook struct {
	doc map[string]interface{}
}

// Load reads and validates a notebook file.
func Load(path string) (*Notebook, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}
	if !isText(mtype) {
		return nil, fmt.Errorf("%s (%s): %w", path, mtype.String(), ErrNotText)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates notebook bytes.
func Parse(data []byte) (*Notebook, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, ErrInvalidNotebook
	}
	return &Notebook{doc: obj}, nil
}

// Save writes the notebook to path with the one-space indentation notebook tools use.
func (n *Notebook) Save(path string) error {
	data, err := json.MarshalIndent(n.doc, "", " ")
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write notebook %s: %w", path, err)
	}
	return nil
}

// DeduplicateGradeIDs strips the grading metadata from every cell whose grade id already appeared
// earlier in the notebook. The first occurrence stays intact. It returns the removed grade ids in
// document order.
func (n *Notebook) DeduplicateGradeIDs() []string {
	seen := map[string]struct{}{}
	var removed []string
	for _, cell := range n.cells() {
		metadata, ok := cell["metadata"].(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := gradeID(metadata)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			delete(metadata, "nbgrader")
			removed = append(removed, id)
			continue
		}
		seen[id] = struct{}{}
	}
	return removed
}

// MaxScore sums the points of every graded cell.
func (n *Notebook) MaxScore() float64 {
	total := 0.0
	for _, cell := range n.cells() {
		metadata, ok := cell["metadata"].(map[string]interface{})
		if !ok {
			continue
		}
		nbgrader, ok := metadata["nbgrader"].(map[string]interface{})
		if !ok {
			continue
		}
		points, ok := nbgrader["points"].(json.Number)
		if !ok {
			continue
		}
		if value, err := points.Float64(); err == nil {
			total += value
		}
	}
	return total
}

// Sanitize removes duplicated grade metadata from the notebook at path, rewriting the file only
// when something changed.
func Sanitize(path string) ([]string, error) {
	nb, err := Load(path)
	if err != nil {
		return nil, err
	}
	removed := nb.DeduplicateGradeIDs()
	if len(removed) == 0 {
		return nil, nil
	}
	if err := nb.Save(path); err != nil {
		return nil, err
	}
	return removed, nil
}

// MaxScore loads the notebook at path and returns its total available points.
func MaxScore(path string) (float64, error) {
	nb, err := Load(path)
	if err != nil {
		return 0, err
	}
	return nb.MaxScore(), nil
}

func (n *Notebook) cells() []map[string]interface{} {
	raw, _ := n.doc["cells"].([]interface{})
	cells := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if cell, ok := item.(map[string]interface{}); ok {
			cells = append(cells, cell)
		}
	}
	return cells
}

func gradeID(metadata map[string]interface{}) (string, bool) {
	nbgrader, ok := metadata["nbgrader"].(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := nbgrader["grade_id"].(string)
	return id, ok
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
