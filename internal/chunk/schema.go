package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaFileName is the per-chunk field schema object
const SchemaFileName = "schema.json"

// FieldType enumerates the index field types a chunk can carry
type FieldType string

const (
	FieldTypeText    FieldType = "text"
	FieldTypeString  FieldType = "string"
	FieldTypeKeyword FieldType = "keyword"
	FieldTypeInteger FieldType = "integer"
	FieldTypeLong    FieldType = "long"
	FieldTypeFloat   FieldType = "float"
	FieldTypeDouble  FieldType = "double"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
)

// Valid reports whether t is a known field type
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeString, FieldTypeKeyword,
		FieldTypeInteger, FieldTypeLong, FieldTypeFloat,
		FieldTypeDouble, FieldTypeBoolean, FieldTypeDate:
		return true
	}
	return false
}

// Field is one indexed field of a chunk
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is the parsed field metadata of a chunk, loaded when the chunk
// opens for search. The index codec itself is out of scope; the schema
// is what the query layer needs to plan field accesses.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns the schema's field names in declaration order
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// HasField reports whether the schema declares a field
func (s Schema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// LoadSchema reads and validates the schema from a chunk directory
func LoadSchema(dir string) (Schema, error) {
	data, err := os.ReadFile(filepath.Join(dir, SchemaFileName))
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read chunk schema: %w", err)
	}

	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to decode chunk schema: %w", err)
	}
	if len(s.Fields) == 0 {
		return Schema{}, fmt.Errorf("chunk schema declares no fields")
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return Schema{}, fmt.Errorf("chunk schema has a field with no name")
		}
		if !f.Type.Valid() {
			return Schema{}, fmt.Errorf("chunk schema field %s has unknown type %q", f.Name, f.Type)
		}
	}
	return s, nil
}

// WriteSchema writes a schema into a chunk directory; test fixtures and
// the chunk build path use this.
func WriteSchema(dir string, s Schema) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SchemaFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	return nil
}
