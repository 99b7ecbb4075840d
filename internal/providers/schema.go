package providers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// ErrSchemaViolation is wrapped by SchemaSet.Validate failures.
var ErrSchemaViolation = errors.New("response does not match schema")

// SchemaSet holds compiled response envelopes keyed by file stem
// (e.g. "veo.status" for schemas/veo.status.json).
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// LoadSchemas compiles every *.json file under schemas/ in fsys.
func LoadSchemas(fsys fs.FS) (*SchemaSet, error) {
	entries, err := fs.ReadDir(fsys, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := fs.ReadFile(fsys, path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://framecredit.dev/schemas/providers/" + name
		set.schemas[name], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return set, nil
}

// DefaultSchemas returns the schemas compiled into the binary.
func DefaultSchemas() (*SchemaSet, error) {
	return LoadSchemas(embeddedSchemas)
}

// Validate checks payload against the named schema.
func (s *SchemaSet) Validate(name string, payload []byte) error {
	schema, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrSchemaViolation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
