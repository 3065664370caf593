package crm

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/internal/xmldom"
)

// Collection is one page of a multiple-record query result.
type Collection struct {
	EntityName       string
	MoreRecords      bool
	PagingCookie     string
	TotalRecordCount int
	Entities         []*Entity
}

// CollectionFromNode parses a RetrieveMultipleResult element into fully
// deserialized entities.
func CollectionFromNode(ctx context.Context, result *xmldom.Node, resolver SchemaResolver, logger *zap.Logger) (*Collection, error) {
	col := &Collection{}
	readCollectionHeader(result, &col.EntityName, &col.MoreRecords, &col.PagingCookie, &col.TotalRecordCount)
	if entities := result.ChildNamed("Entities"); entities != nil {
		for _, node := range entities.Children {
			entity, err := EntityFromNode(ctx, node, resolver, logger)
			if err != nil {
				return nil, err
			}
			col.Entities = append(col.Entities, entity)
		}
	}
	return col, nil
}

// SimpleRecord is a schema-free view of one result record: attribute text
// values plus the server's formatted values.
type SimpleRecord struct {
	ID              string
	LogicalName     string
	Attributes      map[string]string
	FormattedValues map[string]string
}

// SimpleCollection is a page of results in simple mode, produced without
// entity metadata.
type SimpleCollection struct {
	EntityName       string
	MoreRecords      bool
	PagingCookie     string
	TotalRecordCount int
	Records          []*SimpleRecord
}

// SimpleCollectionFromNode parses a RetrieveMultipleResult element into
// shallow records, skipping schema resolution entirely.
func SimpleCollectionFromNode(result *xmldom.Node) *SimpleCollection {
	col := &SimpleCollection{}
	readCollectionHeader(result, &col.EntityName, &col.MoreRecords, &col.PagingCookie, &col.TotalRecordCount)
	entities := result.ChildNamed("Entities")
	if entities == nil {
		return col
	}
	for _, node := range entities.Children {
		record := &SimpleRecord{
			Attributes:      make(map[string]string),
			FormattedValues: make(map[string]string),
		}
		if n := node.ChildNamed("Id"); n != nil {
			record.ID = n.TextContent()
		}
		if n := node.ChildNamed("LogicalName"); n != nil {
			record.LogicalName = n.TextContent()
		}
		if attrs := node.ChildNamed("Attributes"); attrs != nil {
			for _, pair := range attrs.FindAll("KeyValuePairOfstringanyType") {
				key := pair.ChildNamed("key")
				value := pair.ChildNamed("value")
				if key == nil || value == nil || value.Attr("nil") == "true" {
					continue
				}
				record.Attributes[strings.ToLower(key.TextContent())] = simpleText(value)
			}
		}
		if fv := node.ChildNamed("FormattedValues"); fv != nil {
			for _, pair := range fv.FindAll("KeyValuePairOfstringstring") {
				key := pair.ChildNamed("key")
				value := pair.ChildNamed("value")
				if key != nil && value != nil {
					record.FormattedValues[strings.ToLower(key.TextContent())] = value.TextContent()
				}
			}
		}
		col.Records = append(col.Records, record)
	}
	return col
}

func readCollectionHeader(result *xmldom.Node, entityName *string, moreRecords *bool, cookie *string, total *int) {
	if n := result.ChildNamed("EntityName"); n != nil {
		*entityName = n.TextContent()
	}
	if n := result.ChildNamed("MoreRecords"); n != nil {
		*moreRecords = n.TextContent() == "true"
	}
	if n := result.ChildNamed("PagingCookie"); n != nil && n.Attr("nil") != "true" {
		*cookie = n.Text
	}
	if n := result.ChildNamed("TotalRecordCount"); n != nil {
		if v, err := strconv.Atoi(n.TextContent()); err == nil {
			*total = v
		}
	}
}

// simpleText flattens a value node: scalar values are their text, structured
// values collapse to the text of their children in order.
func simpleText(value *xmldom.Node) string {
	if len(value.Children) == 0 {
		return value.TextContent()
	}
	var parts []string
	for _, c := range value.Children {
		if t := simpleText(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
