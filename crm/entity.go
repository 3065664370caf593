package crm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entity is one record of an entity type. It validates writes against its
// schema and tracks which attributes changed since the last save, so only
// those go back to the server.
//
// A placeholder entity has no schema: it is how lookup targets arrive from
// the server, carrying just a logical name, an id and a display name.
type Entity struct {
	schema          *Schema
	logicalName     string
	id              string
	idSet           bool
	placeholderName string

	values    map[string]any
	formatted map[string]string
	changed   map[string]bool

	logger *zap.Logger
}

// NewEntity returns an empty record of the schema's entity type. A nil
// logger disables logging.
func NewEntity(schema *Schema, logger *zap.Logger) *Entity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Entity{
		schema:      schema,
		logicalName: schema.LogicalName,
		values:      make(map[string]any),
		formatted:   make(map[string]string),
		changed:     make(map[string]bool),
		logger:      logger,
	}
}

// NewPlaceholder returns a schema-less reference to a record of another
// entity type.
func NewPlaceholder(logicalName, id, displayName string) *Entity {
	return &Entity{
		logicalName:     logicalName,
		id:              id,
		idSet:           id != "" && id != EmptyGUID,
		placeholderName: displayName,
		values:          make(map[string]any),
		formatted:       make(map[string]string),
		changed:         make(map[string]bool),
		logger:          zap.NewNop(),
	}
}

// LogicalName returns the entity type of the record.
func (e *Entity) LogicalName() string { return e.logicalName }

// ID returns the record identifier, or EmptyGUID when unsaved.
func (e *Entity) ID() string {
	if e.id == "" {
		return EmptyGUID
	}
	return e.id
}

// HasID reports whether the record has a real identifier.
func (e *Entity) HasID() bool { return e.idSet }

// SetID assigns the record identifier. The id of a record can be set exactly
// once; a second assignment is an error.
func (e *Entity) SetID(id string) error {
	if e.idSet {
		return &ValidationError{Entity: e.logicalName, Reason: "cannot change the id of an existing record"}
	}
	e.id = id
	e.idSet = id != "" && id != EmptyGUID
	return nil
}

// DisplayName returns the record's display name: the value of its primary
// name attribute, or the name carried by a placeholder.
func (e *Entity) DisplayName() string {
	if e.schema != nil && e.schema.PrimaryNameAttribute != "" {
		if v, ok := e.values[e.schema.PrimaryNameAttribute].(string); ok {
			return v
		}
		return ""
	}
	return e.placeholderName
}

// Schema returns the entity's schema, nil for placeholders.
func (e *Entity) Schema() *Schema { return e.schema }

// Get returns the value of an attribute, resolved case-insensitively. The
// names "id", "logicalname" and "displayname" address the record itself.
// Unknown attributes return nil after a logged notice.
func (e *Entity) Get(name string) any {
	switch strings.ToLower(name) {
	case "id":
		return e.ID()
	case "logicalname":
		return e.logicalName
	case "displayname":
		return e.DisplayName()
	}
	key := strings.ToLower(name)
	if e.schema != nil && e.schema.Attribute(key) == nil {
		e.logger.Warn("read of unknown attribute",
			zap.String("entity", e.logicalName), zap.String("attribute", name))
		return nil
	}
	return e.values[key]
}

// GetString returns the attribute value as a string, or "" when absent or of
// another type.
func (e *Entity) GetString(name string) string {
	v, _ := e.Get(name).(string)
	return v
}

// Set assigns an attribute value after validating it against the schema.
// Unknown and read-only attributes are ignored with a logged notice. A
// lookup pointed at a disallowed entity type, or an option set value outside
// the defined options, is a hard error. Setting nil clears the attribute and
// marks it changed, so the deletion is sent on the next save.
func (e *Entity) Set(name string, value any) error {
	lower := strings.ToLower(name)
	if lower == "id" {
		s, ok := value.(string)
		if !ok {
			return &ValidationError{Entity: e.logicalName, Reason: "id must be a string"}
		}
		return e.SetID(s)
	}

	if e.schema == nil {
		e.logger.Warn("write to attribute of schema-less record ignored",
			zap.String("entity", e.logicalName), zap.String("attribute", name))
		return nil
	}
	attr := e.schema.Attribute(lower)
	if attr == nil {
		e.logger.Warn("write to unknown attribute ignored",
			zap.String("entity", e.logicalName), zap.String("attribute", name))
		return nil
	}
	if !attr.Writable() {
		e.logger.Warn("write to read-only attribute ignored",
			zap.String("entity", e.logicalName), zap.String("attribute", name))
		return nil
	}

	if value == nil {
		e.values[lower] = nil
		e.changed[lower] = true
		e.clearShadowsOf(attr.LogicalName)
		return nil
	}

	stored := value
	switch {
	case attr.IsLookup:
		ref, err := e.coerceLookup(attr, value)
		if err != nil {
			return err
		}
		stored = ref
	case attr.OptionSet != nil:
		osv, err := e.coerceOption(attr, value)
		if err != nil {
			return err
		}
		stored = osv
	}

	e.values[lower] = stored
	e.changed[lower] = true
	delete(e.formatted, lower)
	e.clearShadowsOf(attr.LogicalName)
	return nil
}

// coerceLookup accepts a *Entity or a Reference and enforces the attribute's
// allowed target types.
func (e *Entity) coerceLookup(attr *AttributeDefinition, value any) (*Entity, error) {
	var target *Entity
	switch v := value.(type) {
	case *Entity:
		target = v
	case Reference:
		target = NewPlaceholder(v.LogicalName, v.ID, v.DisplayName)
	case *Reference:
		target = NewPlaceholder(v.LogicalName, v.ID, v.DisplayName)
	default:
		return nil, &ValidationError{
			Entity: e.logicalName, Attribute: attr.LogicalName,
			Reason: fmt.Sprintf("lookup requires an entity or reference, got %T", value),
		}
	}
	if len(attr.LookupTypes) > 0 {
		allowed := false
		for _, t := range attr.LookupTypes {
			if t == target.logicalName {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &ValidationError{
				Entity: e.logicalName, Attribute: attr.LogicalName,
				Reason: fmt.Sprintf("lookup does not accept entity type %q (allowed: %s)",
					target.logicalName, strings.Join(attr.LookupTypes, ", ")),
			}
		}
	}
	return target, nil
}

// coerceOption resolves labels, integers, booleans and OptionSetValue inputs
// against the attribute's option set.
func (e *Entity) coerceOption(attr *AttributeDefinition, value any) (OptionSetValue, error) {
	set := attr.OptionSet
	invalid := func(v any) error {
		return &ValidationError{
			Entity: e.logicalName, Attribute: attr.LogicalName,
			Reason: fmt.Sprintf("value %v is not in option set %s", v, set.Name),
		}
	}
	switch v := value.(type) {
	case string:
		n, ok := set.ValueFor(v)
		if !ok {
			return OptionSetValue{}, invalid(v)
		}
		return OptionSetValue{Value: n, Label: set.LabelFor(n)}, nil
	case int:
		if _, ok := set.Options[v]; !ok {
			return OptionSetValue{}, invalid(v)
		}
		return OptionSetValue{Value: v, Label: set.LabelFor(v)}, nil
	case bool:
		n := 0
		if v {
			n = 1
		}
		if _, ok := set.Options[n]; !ok {
			return OptionSetValue{}, invalid(v)
		}
		return OptionSetValue{Value: n, Label: set.LabelFor(n)}, nil
	case OptionSetValue:
		if _, ok := set.Options[v.Value]; !ok {
			return OptionSetValue{}, invalid(v.Value)
		}
		return OptionSetValue{Value: v.Value, Label: set.LabelFor(v.Value)}, nil
	default:
		return OptionSetValue{}, invalid(value)
	}
}

// clearShadowsOf removes the derived companions of a base attribute, such as
// the "...name" text shadow of a lookup, which are stale once the base
// changes.
func (e *Entity) clearShadowsOf(base string) {
	if e.schema == nil {
		return
	}
	for key, attr := range e.schema.Attributes {
		if attr.AttributeOf == base {
			delete(e.values, key)
			delete(e.formatted, key)
			delete(e.changed, key)
		}
	}
}

// FormattedValue returns the server-provided display text for an attribute,
// or "" when none was supplied.
func (e *Entity) FormattedValue(name string) string {
	return e.formatted[strings.ToLower(name)]
}

// AttributeNames returns the names of all attributes holding a value, sorted.
func (e *Entity) AttributeNames() []string {
	names := make([]string, 0, len(e.values))
	for k := range e.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsChanged reports whether the named attribute changed since the last save.
// A write the schema rejected leaves the attribute unchanged.
func (e *Entity) IsChanged(name string) bool {
	return e.changed[strings.ToLower(name)]
}

// HasChanges reports whether any attribute changed since the last save.
func (e *Entity) HasChanges() bool {
	for _, c := range e.changed {
		if c {
			return true
		}
	}
	return false
}

// Reset marks every attribute as unchanged, keeping the values.
func (e *Entity) Reset() {
	e.changed = make(map[string]bool)
}

// ResetForCreate prepares a copy-style create: the id is dropped and every
// held value is marked changed so the whole record is sent.
func (e *Entity) ResetForCreate() {
	e.id = ""
	e.idSet = false
	for k, v := range e.values {
		if v != nil {
			e.changed[k] = true
		}
	}
}

// CheckMandatories returns the logical names of every required attribute
// without a value, or nil when the record is complete. A required shadow
// attribute is satisfied by its base attribute instead.
func (e *Entity) CheckMandatories() []string {
	if e.schema == nil {
		return nil
	}
	var missing []string
	for _, name := range e.schema.Mandatories() {
		attr := e.schema.Attribute(name)
		checkName := name
		if attr.AttributeOf != "" {
			checkName = attr.AttributeOf
			if base := e.schema.Attribute(checkName); base == nil || !base.Writable() {
				continue
			}
		} else if !attr.Writable() {
			continue
		}
		if v, ok := e.values[strings.ToLower(checkName)]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Ref returns a Reference to this record.
func (e *Entity) Ref() Reference {
	return Reference{LogicalName: e.logicalName, ID: e.ID(), DisplayName: e.DisplayName()}
}

// URL returns the web client address of the record on the given server.
func (e *Entity) URL(serverURL string) string {
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}
	return serverURL + "main.aspx?etn=" + e.logicalName + "&pagetype=entityrecord&id=" + e.ID()
}

// OptionSetValues returns the value-to-label map of a picklist attribute,
// nil when the attribute has no option set.
func (e *Entity) OptionSetValues(name string) map[int]string {
	if e.schema == nil {
		return nil
	}
	attr := e.schema.Attribute(name)
	if attr == nil || attr.OptionSet == nil {
		return nil
	}
	return attr.OptionSet.Options
}

// PropertyLabel returns the display label of an attribute, "" when unknown.
func (e *Entity) PropertyLabel(name string) string {
	if e.schema == nil {
		return ""
	}
	if attr := e.schema.Attribute(name); attr != nil {
		return attr.Label
	}
	return ""
}

// setFromWire stores a deserialized value without validation or change
// marking.
func (e *Entity) setFromWire(name string, value any) {
	e.values[strings.ToLower(name)] = value
}

// setFormatted stores a server-provided display string for an attribute.
func (e *Entity) setFormatted(name, value string) {
	e.formatted[strings.ToLower(name)] = value
}

// changedAttributes returns the lowercased names of changed attributes,
// sorted for deterministic serialization.
func (e *Entity) changedAttributes() []string {
	var out []string
	for k, c := range e.changed {
		if c {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// timeValue normalizes an attribute value to a time, used by serialization.
func timeValue(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}
