package crm

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/internal/xmldom"
)

// Wire namespaces of the organization service contracts.
const (
	NSContracts     = "http://schemas.microsoft.com/xrm/2011/Contracts"
	NSServices      = "http://schemas.microsoft.com/xrm/2011/Contracts/Services"
	NSGeneric       = "http://schemas.datacontract.org/2004/07/System.Collections.Generic"
	NSXSD           = "http://www.w3.org/2001/XMLSchema"
	NSXSI           = "http://www.w3.org/2001/XMLSchema-instance"
	NSSerialization = "http://schemas.microsoft.com/2003/10/Serialization/"
)

const wireTimeFormat = "2006-01-02T15:04:05Z"

// SchemaResolver supplies entity schemas during deserialization, typically
// backed by the metadata cache.
type SchemaResolver interface {
	Resolve(ctx context.Context, logicalName string) (*Schema, error)
}

// RawValue preserves the markup of an attribute whose wire type is not
// understood. Deserialization never fails on such values.
type RawValue string

// WireNode serializes the entity for transmission: only changed attributes
// are included, absent values are sent as explicit nils. The element is
// named name, which varies by operation.
func (e *Entity) WireNode(name string) *xmldom.Node {
	root := xmldom.New(name)
	attrs := root.Child("b:Attributes").SetAttr("xmlns:c", NSGeneric)
	for _, key := range e.changedAttributes() {
		pair := attrs.Child("b:KeyValuePairOfstringanyType")
		pair.Child("c:key").SetText(key)
		value := pair.Child("c:value")
		e.marshalValue(value, key)
	}
	root.Child("b:EntityState").SetAttr("i:nil", "true")
	root.Child("b:FormattedValues").SetAttr("xmlns:c", NSGeneric)
	root.Child("b:Id").SetText(e.ID())
	root.Child("b:LogicalName").SetText(e.logicalName)
	root.Child("b:RelatedEntities").SetAttr("xmlns:c", NSGeneric)
	return root
}

// marshalValue fills the c:value element for one attribute according to its
// metadata type.
func (e *Entity) marshalValue(node *xmldom.Node, key string) {
	v := e.values[key]
	var attrType string
	if e.schema != nil {
		if attr := e.schema.Attribute(key); attr != nil {
			attrType = attr.Type
		}
	}
	if v == nil {
		switch attrType {
		case "Picklist", "State", "Status":
			// An option set keeps its Value child even when cleared.
			node.SetAttr("i:type", "b:OptionSetValue")
			node.Child("b:Value")
		default:
			node.SetAttr("i:nil", "true")
		}
		return
	}
	switch attrType {
	case "Integer":
		node.SetAttr("i:type", "c:int").SetAttr("xmlns:c", NSXSD)
		node.SetText(strconv.Itoa(asInt(v)))
	case "Double":
		node.SetAttr("i:type", "c:double").SetAttr("xmlns:c", NSXSD)
		node.SetText(formatFloat(v))
	case "Decimal":
		node.SetAttr("i:type", "c:decimal").SetAttr("xmlns:c", NSXSD)
		node.SetText(formatFloat(v))
	case "Money":
		node.SetAttr("i:type", "b:Money")
		node.Child("b:Value").SetText(formatFloat(v))
	case "Boolean":
		node.SetAttr("i:type", "c:boolean").SetAttr("xmlns:c", NSXSD)
		if osv, ok := v.(OptionSetValue); ok && osv.Value != 0 {
			node.SetText("1")
		} else if b, ok := v.(bool); ok && b {
			node.SetText("1")
		} else {
			node.SetText("0")
		}
	case "DateTime":
		node.SetAttr("i:type", "c:dateTime").SetAttr("xmlns:c", NSXSD)
		if t, ok := timeValue(v); ok {
			node.SetText(t.UTC().Format(wireTimeFormat))
		}
	case "Picklist", "State", "Status":
		node.SetAttr("i:type", "b:OptionSetValue")
		osv, _ := v.(OptionSetValue)
		// The Value child is always present, zero included.
		node.Child("b:Value").SetText(strconv.Itoa(osv.Value))
	case "Lookup", "Owner", "Customer":
		node.SetAttr("i:type", "b:EntityReference")
		if ref, ok := v.(*Entity); ok {
			node.Child("b:Id").SetText(ref.ID())
			node.Child("b:LogicalName").SetText(ref.logicalName)
			node.Child("b:Name").SetAttr("i:nil", "true")
		}
	case "Uniqueidentifier":
		node.SetAttr("i:type", "e:guid").SetAttr("xmlns:e", NSSerialization)
		node.SetText(asString(v))
	default:
		// Memo, String and anything unrecognized travel as plain text.
		node.SetAttr("i:type", "c:string").SetAttr("xmlns:c", NSXSD)
		node.SetText(asString(v))
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case RawValue:
		return string(s)
	}
	return ""
}

func formatFloat(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	}
	return "0"
}

// EntityFromNode builds an entity from a serialized b:Entity element. The
// logical name is read from the node; resolver supplies the schema for it
// and for any joined entities found in aliased values. Unknown attribute
// types are kept as RawValue after a logged warning, never failed on.
func EntityFromNode(ctx context.Context, node *xmldom.Node, resolver SchemaResolver, logger *zap.Logger) (*Entity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logicalName := ""
	if ln := node.ChildNamed("LogicalName"); ln != nil {
		logicalName = ln.TextContent()
	}
	entity := entityFor(ctx, logicalName, resolver, logger)

	if fv := node.ChildNamed("FormattedValues"); fv != nil {
		for _, pair := range fv.FindAll("KeyValuePairOfstringstring") {
			key := pair.ChildNamed("key")
			value := pair.ChildNamed("value")
			if key != nil && value != nil {
				entity.setFormatted(key.TextContent(), value.TextContent())
			}
		}
	}
	if attrs := node.ChildNamed("Attributes"); attrs != nil {
		for _, pair := range attrs.FindAll("KeyValuePairOfstringanyType") {
			keyNode := pair.ChildNamed("key")
			valueNode := pair.ChildNamed("value")
			if keyNode == nil || valueNode == nil {
				continue
			}
			entity.setWireAttribute(ctx, strings.ToLower(keyNode.TextContent()), valueNode, resolver, logger)
		}
	}
	if idNode := node.ChildNamed("Id"); idNode != nil && !entity.idSet {
		if id := idNode.TextContent(); id != "" && id != EmptyGUID {
			entity.id = id
			entity.idSet = true
		}
	}
	entity.Reset()
	return entity, nil
}

// entityFor creates a record of the given type, degrading to a schema-less
// placeholder when no schema can be resolved.
func entityFor(ctx context.Context, logicalName string, resolver SchemaResolver, logger *zap.Logger) *Entity {
	if resolver != nil && logicalName != "" {
		schema, err := resolver.Resolve(ctx, logicalName)
		if err == nil {
			e := NewEntity(schema, logger)
			return e
		}
		logger.Warn("no schema for deserialized entity, using placeholder",
			zap.String("entity", logicalName), zap.Error(err))
	}
	e := NewPlaceholder(logicalName, "", "")
	e.logger = logger
	return e
}

// setWireAttribute decodes one attribute value node into the entity.
func (e *Entity) setWireAttribute(ctx context.Context, key string, valueNode *xmldom.Node, resolver SchemaResolver, logger *zap.Logger) {
	if valueNode.Attr("nil") == "true" {
		return
	}
	switch valueNode.TypeAttr() {
	case "string", "guid":
		e.setFromWire(key, valueNode.TextContent())
	case "int", "long":
		if n, err := strconv.Atoi(valueNode.TextContent()); err == nil {
			e.setFromWire(key, n)
		}
	case "boolean":
		e.setFromWire(key, valueNode.TextContent() == "true")
	case "double", "decimal":
		if f, err := strconv.ParseFloat(valueNode.TextContent(), 64); err == nil {
			e.setFromWire(key, f)
		}
	case "dateTime":
		if t, ok := parseWireTime(valueNode.TextContent()); ok {
			e.setFromWire(key, t)
		}
	case "Money":
		if v := valueNode.ChildNamed("Value"); v != nil {
			if f, err := strconv.ParseFloat(v.TextContent(), 64); err == nil {
				e.setFromWire(key, f)
			}
		}
	case "OptionSetValue":
		e.setWireOption(key, valueNode)
	case "EntityReference":
		e.setWireReference(key, valueNode)
	case "AliasedValue":
		e.setWireAliased(ctx, key, valueNode, resolver, logger)
	default:
		logger.Warn("attribute with unhandled wire type kept as raw XML",
			zap.String("entity", e.logicalName),
			zap.String("attribute", key),
			zap.String("wire_type", valueNode.TypeAttr()))
		e.setFromWire(key, RawValue(valueNode.String()))
		if f := e.formatted[key]; f == "" {
			e.setFormatted(key, valueNode.TextContent())
		}
	}

	if e.schema != nil && key == strings.ToLower(e.schema.PrimaryIDAttribute) && !e.idSet {
		if id, ok := e.values[key].(string); ok && id != "" && id != EmptyGUID {
			e.id = id
			e.idSet = true
		}
	}
}

// setWireOption decodes an OptionSetValue, labeling it from the formatted
// values or the schema, and back-fills the "...name" shadow attribute.
func (e *Entity) setWireOption(key string, valueNode *xmldom.Node) {
	v := valueNode.ChildNamed("Value")
	if v == nil {
		return
	}
	n, err := strconv.Atoi(v.TextContent())
	if err != nil {
		return
	}
	label := e.formatted[key]
	if label == "" && e.schema != nil {
		if attr := e.schema.Attribute(key); attr != nil && attr.OptionSet != nil {
			label = attr.OptionSet.LabelFor(n)
		}
	}
	e.setFromWire(key, OptionSetValue{Value: n, Label: label})
	e.backfillShadow(key, label)
}

// backfillShadow stores a label under the "...name" shadow attribute when the
// schema defines it and no value arrived for it yet.
func (e *Entity) backfillShadow(key, label string) {
	shadow := key + "name"
	if e.schema == nil || e.schema.Attribute(shadow) == nil {
		return
	}
	if v, ok := e.values[shadow]; ok && v != nil {
		return
	}
	e.setFromWire(shadow, label)
}

// setWireReference decodes an EntityReference into a placeholder entity and
// back-fills the "...name" shadow attribute from the reference's display name.
func (e *Entity) setWireReference(key string, valueNode *xmldom.Node) {
	var id, logicalName, name string
	if n := valueNode.ChildNamed("Id"); n != nil {
		id = n.TextContent()
	}
	if n := valueNode.ChildNamed("LogicalName"); n != nil {
		logicalName = n.TextContent()
	}
	if n := valueNode.ChildNamed("Name"); n != nil {
		name = n.TextContent()
	}
	if name == "" {
		name = e.formatted[key]
	}
	e.setFromWire(key, NewPlaceholder(logicalName, id, name))
	if name != "" {
		e.backfillShadow(key, name)
	}
}

// setWireAliased decodes an AliasedValue. A dotted key like "alias.field"
// lands on a joined entity stored under the alias; values from different
// aliases never mix. An undotted key is an aggregate and is stored directly.
func (e *Entity) setWireAliased(ctx context.Context, key string, valueNode *xmldom.Node, resolver SchemaResolver, logger *zap.Logger) {
	inner := valueNode.ChildNamed("Value")
	if inner == nil {
		return
	}
	alias, field, dotted := strings.Cut(key, ".")
	if !dotted {
		carrier := NewPlaceholder("", "", "")
		carrier.setWireAttribute(ctx, key, inner, resolver, logger)
		if v, ok := carrier.values[key]; ok {
			e.setFromWire(key, v)
		}
		return
	}

	targetType := ""
	if n := valueNode.ChildNamed("EntityLogicalName"); n != nil {
		targetType = n.TextContent()
	}
	sub, _ := e.values[alias].(*Entity)
	if sub != nil && targetType != "" && sub.logicalName != targetType {
		logger.Warn("joined entity alias reused with a different entity type",
			zap.String("alias", alias),
			zap.String("have", sub.logicalName),
			zap.String("got", targetType))
		sub = nil
	}
	if sub == nil {
		sub = entityFor(ctx, targetType, resolver, logger)
		e.setFromWire(alias, sub)
	}
	if f := e.formatted[key]; f != "" {
		sub.setFormatted(field, f)
	}
	sub.setWireAttribute(ctx, field, inner, resolver, logger)
}

// parseWireTime accepts the dateTime forms the server emits, with or without
// fractional seconds and zone designator.
func parseWireTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
