// Package metadata turns RetrieveEntity responses into crm.Schema values and
// caches them. Each entity type is fetched from the server at most once per
// process; the resulting schemas are immutable and shared by reference.
package metadata

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/crm"
	"github.com/crmlabs/dynabridge/internal/xmldom"
)

// FetchFunc retrieves the EntityMetadata element for one entity type from
// the organization service.
type FetchFunc func(ctx context.Context, logicalName string) (*xmldom.Node, error)

// Cache resolves entity schemas, fetching each logical name at most once.
// Schemas are never invalidated; server-side metadata changes require a new
// process to become visible.
type Cache struct {
	fetch  FetchFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu     sync.Mutex
	schema *crm.Schema
}

// NewCache returns an empty Cache backed by fetch.
func NewCache(fetch FetchFunc, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetch:   fetch,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
	}
}

// Resolve returns the schema for the entity type, fetching it on first use.
// Concurrent callers for the same type share one fetch. Failed fetches are
// not cached, so a later call may retry.
func (c *Cache) Resolve(ctx context.Context, logicalName string) (*crm.Schema, error) {
	key := strings.ToLower(logicalName)
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schema != nil {
		return e.schema, nil
	}
	node, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	schema, err := ParseSchema(node, c.logger)
	if err != nil {
		return nil, err
	}
	e.schema = schema
	c.logger.Debug("entity schema cached",
		zap.String("entity", key), zap.Int("attributes", len(schema.Attributes)))
	return schema, nil
}

// ParseSchema builds a schema from an EntityMetadata element.
func ParseSchema(node *xmldom.Node, logger *zap.Logger) (*crm.Schema, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	schema := &crm.Schema{
		Attributes: make(map[string]*crm.AttributeDefinition),
	}
	if n := node.ChildNamed("LogicalName"); n != nil {
		schema.LogicalName = n.TextContent()
	}
	if n := node.ChildNamed("MetadataId"); n != nil {
		schema.MetadataID = n.TextContent()
	}

	attributesNode := node.ChildNamed("Attributes")
	if attributesNode == nil {
		return schema, nil
	}
	seenOptionSets := make(map[string]string)
	for _, attrNode := range attributesNode.Children {
		attr := parseAttribute(attrNode, schema.LogicalName, seenOptionSets, logger)
		if attr == nil {
			continue
		}
		key := strings.ToLower(attr.LogicalName)
		schema.Attributes[key] = attr
		if attr.IsPrimaryID {
			schema.PrimaryIDAttribute = attr.LogicalName
		}
		if attr.IsPrimaryName {
			schema.PrimaryNameAttribute = attr.LogicalName
		}
	}
	return schema, nil
}

func parseAttribute(node *xmldom.Node, entityName string, seenOptionSets map[string]string, logger *zap.Logger) *crm.AttributeDefinition {
	name := node.ChildNamed("LogicalName")
	if name == nil || name.TextContent() == "" {
		return nil
	}
	attr := &crm.AttributeDefinition{LogicalName: strings.ToLower(name.TextContent())}

	metadataKind := node.TypeAttr()
	if n := node.ChildNamed("AttributeType"); n != nil {
		attr.Type = n.TextContent()
	}
	attr.IsLookup = metadataKind == "LookupAttributeMetadata" ||
		attr.Type == "Lookup" || attr.Type == "Customer" || attr.Type == "Owner"

	attr.Label = localizedLabel(node.ChildNamed("DisplayName"))
	attr.Description = localizedLabel(node.ChildNamed("Description"))
	attr.IsCustom = childBool(node, "IsCustomAttribute")
	attr.IsPrimaryID = childBool(node, "IsPrimaryId")
	attr.IsPrimaryName = childBool(node, "IsPrimaryName")
	attr.CanCreate = childBool(node, "IsValidForCreate")
	attr.CanUpdate = childBool(node, "IsValidForUpdate")
	attr.CanRead = childBool(node, "IsValidForRead")

	if n := node.ChildNamed("AttributeOf"); n != nil && n.Attr("nil") != "true" {
		attr.AttributeOf = strings.ToLower(n.TextContent())
	}
	if n := node.ChildNamed("RequiredLevel"); n != nil {
		if v := n.ChildNamed("Value"); v != nil {
			attr.RequiredLevel = v.TextContent()
		}
	}
	if targets := node.ChildNamed("Targets"); targets != nil {
		for _, t := range targets.Children {
			if v := t.TextContent(); v != "" {
				attr.LookupTypes = append(attr.LookupTypes, v)
			}
		}
	}
	if osNode := node.ChildNamed("OptionSet"); osNode != nil {
		attr.OptionSet = parseOptionSet(osNode, entityName, attr.LogicalName, seenOptionSets, logger)
	}
	return attr
}

func parseOptionSet(node *xmldom.Node, entityName, attrName string, seen map[string]string, logger *zap.Logger) *crm.OptionSet {
	set := &crm.OptionSet{Options: make(map[int]string)}
	if n := node.ChildNamed("Name"); n != nil {
		set.Name = n.TextContent()
	}
	set.IsGlobal = childBool(node, "IsGlobal")
	if n := node.ChildNamed("OptionSetType"); n != nil {
		set.Type = n.TextContent()
	}

	if !set.IsGlobal && set.Name != "" {
		if prev, ok := seen[set.Name]; ok && prev != attrName {
			logger.Warn("local option set name reused",
				zap.String("entity", entityName),
				zap.String("option_set", set.Name),
				zap.String("first_attribute", prev),
				zap.String("attribute", attrName))
		} else {
			seen[set.Name] = attrName
		}
	}

	switch set.Type {
	case crm.OptionSetBoolean:
		if f := node.ChildNamed("FalseOption"); f != nil {
			addOption(set, f, logger, entityName)
		}
		if tr := node.ChildNamed("TrueOption"); tr != nil {
			addOption(set, tr, logger, entityName)
		}
	default:
		if options := node.ChildNamed("Options"); options != nil {
			for _, o := range options.Children {
				addOption(set, o, logger, entityName)
			}
		}
	}
	return set
}

// addOption records one option; on a duplicate value the first label wins.
func addOption(set *crm.OptionSet, node *xmldom.Node, logger *zap.Logger, entityName string) {
	valueNode := node.ChildNamed("Value")
	if valueNode == nil {
		return
	}
	value, err := strconv.Atoi(valueNode.TextContent())
	if err != nil {
		return
	}
	label := localizedLabel(node.ChildNamed("Label"))
	if existing, ok := set.Options[value]; ok {
		logger.Warn("duplicate option set value",
			zap.String("entity", entityName),
			zap.String("option_set", set.Name),
			zap.Int("value", value),
			zap.String("kept", existing),
			zap.String("ignored", label))
		return
	}
	set.Options[value] = label
}

// localizedLabel digs the user-localized label text out of a Label container.
func localizedLabel(node *xmldom.Node) string {
	if node == nil {
		return ""
	}
	if localized := node.Find("UserLocalizedLabel"); localized != nil {
		if l := localized.ChildNamed("Label"); l != nil {
			return l.TextContent()
		}
	}
	if l := node.Find("Label"); l != nil {
		return l.TextContent()
	}
	return ""
}

func childBool(node *xmldom.Node, name string) bool {
	n := node.ChildNamed(name)
	if n == nil {
		return false
	}
	if n.TextContent() == "true" {
		return true
	}
	// Managed booleans nest the flag in a Value child.
	if v := n.ChildNamed("Value"); v != nil {
		return v.TextContent() == "true"
	}
	return false
}
