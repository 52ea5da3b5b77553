// Package registry holds the static mapping from remote board field ids to
// warehouse column names, plus the vocabularies mirrored into the warehouse
// for downstream readers.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_registry.yaml
var defaultDocument []byte

// Reference table names, and their key and value columns.
const (
	TableColumnRenames      = "column_renames"
	TableColumnDescriptions = "column_descriptions"
	TableStatusMap          = "status_map"
	TableJobTypeMap         = "job_type_map"
)

// Field describes one registered remote field.
type Field struct {
	Column      string `yaml:"column"`
	Description string `yaml:"description"`
}

// ReferenceTable is one static vocabulary mirrored into the warehouse.
type ReferenceTable struct {
	Name        string
	KeyColumn   string
	ValueColumn string
	Entries     map[string]string
}

// Keys returns the entry keys in sorted order.
func (t ReferenceTable) Keys() []string {
	keys := make([]string, 0, len(t.Entries))
	for k := range t.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type document struct {
	Fields   map[string]Field  `yaml:"fields"`
	Statuses map[string]string `yaml:"statuses"`
	JobTypes map[string]string `yaml:"job_types"`
}

// Registry is immutable once built and safe for concurrent use.
type Registry struct {
	fields   map[string]Field
	statuses map[string]string
	jobTypes map[string]string
}

// Default returns the registry compiled into the binary.
func Default() *Registry {
	r, err := Parse(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("embedded registry is invalid: %v", err))
	}
	return r
}

// Load reads a registry document from path. An empty path yields Default.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return r, nil
}

// Parse builds a registry from a YAML document. Column names are normalized
// and must be unique across fields.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}

	r := &Registry{
		fields:   make(map[string]Field, len(doc.Fields)),
		statuses: doc.Statuses,
		jobTypes: doc.JobTypes,
	}
	if r.statuses == nil {
		r.statuses = map[string]string{}
	}
	if r.jobTypes == nil {
		r.jobTypes = map[string]string{}
	}

	owners := make(map[string]string, len(doc.Fields))
	for id, f := range doc.Fields {
		col := Normalize(f.Column)
		if col == "" {
			return nil, fmt.Errorf("field %q: column name %q normalizes to empty", id, f.Column)
		}
		if other, dup := owners[col]; dup {
			return nil, fmt.Errorf("fields %q and %q both map to column %q", other, id, col)
		}
		owners[col] = id
		r.fields[id] = Field{Column: col, Description: f.Description}
	}
	return r, nil
}

// Resolve returns the configured column name for remoteID, or remoteID
// unchanged when it is not registered.
func (r *Registry) Resolve(remoteID string) string {
	if f, ok := r.fields[remoteID]; ok {
		return f.Column
	}
	return remoteID
}

// ColumnName is the storage column a remote field is written to.
func (r *Registry) ColumnName(remoteID string) string {
	return Normalize(r.Resolve(remoteID))
}

// Describe returns the registered entry for remoteID.
func (r *Registry) Describe(remoteID string) (Field, bool) {
	f, ok := r.fields[remoteID]
	return f, ok
}

// Len reports the number of registered fields.
func (r *Registry) Len() int { return len(r.fields) }

// ReferenceTables enumerates the four vocabularies in a stable order.
func (r *Registry) ReferenceTables() []ReferenceTable {
	renames := make(map[string]string, len(r.fields))
	descriptions := make(map[string]string, len(r.fields))
	for id, f := range r.fields {
		renames[id] = f.Column
		descriptions[id] = f.Description
	}

	return []ReferenceTable{
		{Name: TableColumnRenames, KeyColumn: "column_id", ValueColumn: "friendly_name", Entries: renames},
		{Name: TableColumnDescriptions, KeyColumn: "column_id", ValueColumn: "description", Entries: descriptions},
		{Name: TableStatusMap, KeyColumn: "status", ValueColumn: "description", Entries: copyMap(r.statuses)},
		{Name: TableJobTypeMap, KeyColumn: "job_type", ValueColumn: "description", Entries: copyMap(r.jobTypes)},
	}
}

// LookupTable returns the reference table with the given name.
func LookupTable(tables []ReferenceTable, name string) (ReferenceTable, bool) {
	for _, t := range tables {
		if t.Name == name {
			return t, true
		}
	}
	return ReferenceTable{}, false
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
