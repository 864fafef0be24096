package graph

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidDefinition is wrapped by every validation failure so callers can
// classify bad input without inspecting messages.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

//go:embed schema.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := schemaFS.ReadFile("schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("read embedded schema: %w", err)
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("definition.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("definition.json")
	})
	return schema, schemaErr
}

// ValidateJSON checks a raw definition document against the embedded JSON
// Schema. It catches shape errors (missing ids, non-object config, dangling
// required fields) before the document is decoded into Go types.
func ValidateJSON(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// Validate enforces the structural rules the schema cannot express: unique
// node ids, the reserved state id, edge endpoints and executionOrder entries
// referencing known nodes. Unknown node types are allowed; the interpreter
// skips them at runtime.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidDefinition)
	}
	ids := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidDefinition)
		}
		if strings.EqualFold(n.ID, StateKey) {
			return fmt.Errorf("%w: %q is a reserved node id", ErrInvalidDefinition, n.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range d.Edges {
		if _, ok := ids[e.Source]; !ok {
			return fmt.Errorf("%w: edge source %q is not a node", ErrInvalidDefinition, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("%w: edge target %q is not a node", ErrInvalidDefinition, e.Target)
		}
	}
	if len(d.ExecutionOrder) == 0 {
		return fmt.Errorf("%w: empty executionOrder", ErrInvalidDefinition)
	}
	for _, id := range d.ExecutionOrder {
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("%w: executionOrder references unknown node %q", ErrInvalidDefinition, id)
		}
	}
	return nil
}
