// Package crm models organization records: immutable per-entity schemas
// built from server metadata, mutable Entity instances with validation and
// change tracking, and the wire translation between the two and the SOAP
// attribute format.
package crm

import "strings"

// EmptyGUID is the all-zero record identifier used for unsaved entities.
const EmptyGUID = "00000000-0000-0000-0000-000000000000"

// MaxRecords is the server-side ceiling on records per result page.
const MaxRecords = 5000

// Option set kinds as reported by entity metadata.
const (
	OptionSetBoolean  = "Boolean"
	OptionSetState    = "State"
	OptionSetStatus   = "Status"
	OptionSetPicklist = "Picklist"
)

// OptionSet is the closed list of values a picklist-like attribute accepts.
type OptionSet struct {
	Name     string
	IsGlobal bool
	Type     string
	// Options maps the integer value to its display label.
	Options map[int]string
}

// LabelFor returns the label for value, or "" when unknown.
func (o *OptionSet) LabelFor(value int) string {
	return o.Options[value]
}

// ValueFor resolves a label case-insensitively to its integer value.
func (o *OptionSet) ValueFor(label string) (int, bool) {
	for v, l := range o.Options {
		if strings.EqualFold(l, label) {
			return v, true
		}
	}
	return 0, false
}

// OptionSetValue is a chosen option: the integer sent on the wire plus the
// label it resolves to, when known.
type OptionSetValue struct {
	Value int
	Label string
}

// Reference points at a record of another entity, as lookups do.
type Reference struct {
	LogicalName string
	ID          string
	DisplayName string
}

// AttributeDefinition describes one attribute of an entity type.
type AttributeDefinition struct {
	LogicalName   string
	Label         string
	Description   string
	Type          string
	IsCustom      bool
	IsPrimaryID   bool
	IsPrimaryName bool
	IsLookup      bool
	// LookupTypes lists the entity types a lookup may point at.
	LookupTypes []string
	CanCreate   bool
	CanUpdate   bool
	CanRead     bool
	// RequiredLevel is None, Recommended, ApplicationRequired or
	// SystemRequired.
	RequiredLevel string
	// AttributeOf names the base attribute this one shadows, e.g. the
	// "...name" companion of a lookup.
	AttributeOf string
	OptionSet   *OptionSet
}

// Writable reports whether the attribute accepts values on create or update.
func (a *AttributeDefinition) Writable() bool {
	return a.CanCreate || a.CanUpdate
}

// Mandatory reports whether the server will reject a record missing this
// attribute.
func (a *AttributeDefinition) Mandatory() bool {
	return a.RequiredLevel != "" && a.RequiredLevel != "None" && a.RequiredLevel != "Recommended"
}

// Schema is the cached metadata for one entity type. Instances are immutable
// once built and shared by reference across entities and goroutines.
type Schema struct {
	LogicalName string
	MetadataID  string
	// PrimaryIDAttribute and PrimaryNameAttribute are the logical names of
	// the identifier and display-name attributes.
	PrimaryIDAttribute   string
	PrimaryNameAttribute string
	// Attributes is keyed by lowercased logical name.
	Attributes map[string]*AttributeDefinition
}

// Attribute resolves name case-insensitively, returning nil when the entity
// type has no such attribute.
func (s *Schema) Attribute(name string) *AttributeDefinition {
	return s.Attributes[strings.ToLower(name)]
}

// Mandatories returns the logical names of all attributes the server
// requires, in no particular order.
func (s *Schema) Mandatories() []string {
	var out []string
	for _, a := range s.Attributes {
		if a.Mandatory() {
			out = append(out, a.LogicalName)
		}
	}
	return out
}
