package dynabridge

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/crm"
	"github.com/crmlabs/dynabridge/internal/fetchxml"
	"github.com/crmlabs/dynabridge/internal/metadata"
	"github.com/crmlabs/dynabridge/internal/xmldom"
	"github.com/crmlabs/dynabridge/soap"
)

// Schema returns the cached schema for an entity type, fetching its metadata
// from the server on first use.
func (c *Connector) Schema(ctx context.Context, logicalName string) (*crm.Schema, error) {
	return c.schemas.Resolve(ctx, logicalName)
}

// NewEntity returns an empty record of the given entity type, ready for
// attribute assignment and Create.
func (c *Connector) NewEntity(ctx context.Context, logicalName string) (*crm.Entity, error) {
	schema, err := c.Schema(ctx, logicalName)
	if err != nil {
		return nil, err
	}
	return crm.NewEntity(schema, c.logger), nil
}

// Retrieve fetches one record by id. With no columns given all columns are
// requested; otherwise only the named ones.
func (c *Connector) Retrieve(ctx context.Context, entityName, id string, columns ...string) (*crm.Entity, error) {
	if id == "" || id == crm.EmptyGUID {
		return nil, &crm.ValidationError{Entity: entityName, Reason: "retrieve requires a record id"}
	}
	envelope, err := c.orgCall(ctx, "Retrieve", retrieveBody(entityName, id, columns))
	if err != nil {
		return nil, err
	}
	result := envelope.Find("RetrieveResult")
	if result == nil {
		return nil, &soap.ProtocolError{Reason: "response has no RetrieveResult", RawResponse: envelope.String()}
	}
	return crm.EntityFromNode(ctx, result, c.schemas, c.logger)
}

// QueryOptions tunes RetrieveMultiple and its variants. The zero value asks
// for the first page with the server default page size.
type QueryOptions struct {
	// AllPages follows paging cookies until the result is complete. Any
	// PagingCookie supplied alongside is ignored; the scan starts at the
	// first page.
	AllPages bool
	// PagingCookie resumes after a previously returned page.
	PagingCookie string
	// Limit caps records per page. It can only lower the ceiling; values
	// above the server maximum are clamped.
	Limit int
}

// RetrieveMultiple runs a FetchXML query and returns deserialized entities.
func (c *Connector) RetrieveMultiple(ctx context.Context, query string, opts *QueryOptions) (*crm.Collection, error) {
	out := &crm.Collection{}
	err := c.queryPages(ctx, query, opts, func(result *xmldom.Node) (bool, string, error) {
		page, err := crm.CollectionFromNode(ctx, result, c.schemas, c.logger)
		if err != nil {
			return false, "", err
		}
		out.EntityName = page.EntityName
		out.MoreRecords = page.MoreRecords
		out.PagingCookie = page.PagingCookie
		out.TotalRecordCount = page.TotalRecordCount
		out.Entities = append(out.Entities, page.Entities...)
		return page.MoreRecords, page.PagingCookie, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetrieveMultipleSimple runs a FetchXML query without touching entity
// metadata, returning shallow attribute maps.
func (c *Connector) RetrieveMultipleSimple(ctx context.Context, query string, opts *QueryOptions) (*crm.SimpleCollection, error) {
	out := &crm.SimpleCollection{}
	err := c.queryPages(ctx, query, opts, func(result *xmldom.Node) (bool, string, error) {
		page := crm.SimpleCollectionFromNode(result)
		out.EntityName = page.EntityName
		out.MoreRecords = page.MoreRecords
		out.PagingCookie = page.PagingCookie
		out.TotalRecordCount = page.TotalRecordCount
		out.Records = append(out.Records, page.Records...)
		return page.MoreRecords, page.PagingCookie, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetrieveMultipleRaw runs one page of a FetchXML query and returns the
// unparsed SOAP response, for callers that do their own processing.
func (c *Connector) RetrieveMultipleRaw(ctx context.Context, query string, opts *QueryOptions) (string, error) {
	if opts == nil {
		opts = &QueryOptions{}
	}
	prepared, err := c.prepareQuery(query, opts.PagingCookie, opts.Limit)
	if err != nil {
		return "", err
	}
	raw, _, err := c.orgCallRaw(ctx, "RetrieveMultiple", retrieveMultipleBody(prepared))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// queryPages drives the paging loop shared by the RetrieveMultiple variants.
func (c *Connector) queryPages(ctx context.Context, query string, opts *QueryOptions, visit func(result *xmldom.Node) (bool, string, error)) error {
	if opts == nil {
		opts = &QueryOptions{}
	}
	cookie := opts.PagingCookie
	if opts.AllPages {
		// A full scan always starts from the first page.
		cookie = ""
	}
	for {
		prepared, err := c.prepareQuery(query, cookie, opts.Limit)
		if err != nil {
			return err
		}
		envelope, err := c.orgCall(ctx, "RetrieveMultiple", retrieveMultipleBody(prepared))
		if err != nil {
			return err
		}
		result := envelope.Find("RetrieveMultipleResult")
		if result == nil {
			return &soap.ProtocolError{Reason: "response has no RetrieveMultipleResult", RawResponse: envelope.String()}
		}
		more, nextCookie, err := visit(result)
		if err != nil {
			return err
		}
		if !opts.AllPages || !more {
			return nil
		}
		if nextCookie == "" {
			page := fetchxml.CookiePage(cookie)
			if page == 0 {
				page = 1
			}
			c.logger.Warn("more records reported without a paging cookie, synthesizing one",
				zap.Int("page", page))
			nextCookie = fetchxml.SynthesizeCookie(page)
		}
		cookie = nextCookie
	}
}

// prepareQuery applies paging and the record ceiling to a FetchXML query.
// The page number is the cookie's page plus one; a query without a cookie
// fetches the first page.
func (c *Connector) prepareQuery(query, cookie string, limit int) (string, error) {
	page := 0
	if cookie != "" {
		page = fetchxml.CookiePage(cookie) + 1
	}
	prepared, err := fetchxml.Prepare(query, page, cookie, limit, c.maxRecords)
	if err != nil {
		return "", &crm.ValidationError{Entity: fetchxml.EntityName(query), Reason: err.Error()}
	}
	return prepared, nil
}

// RetrieveByName fetches all records whose search attribute equals value.
// The attribute defaults to the entity's primary name attribute. The result
// may hold zero, one or several records.
func (c *Connector) RetrieveByName(ctx context.Context, entityName, value string, attribute ...string) ([]*crm.Entity, error) {
	schema, err := c.Schema(ctx, entityName)
	if err != nil {
		return nil, err
	}
	field := ""
	if len(attribute) > 0 {
		field = attribute[0]
	}
	if field == "" {
		field = schema.PrimaryNameAttribute
	}
	if field == "" {
		return nil, &crm.ValidationError{Entity: entityName, Reason: "entity type has no primary name attribute"}
	}
	query := fetchxml.ByNameQuery(entityName, field, value)
	col, err := c.RetrieveMultiple(ctx, query, &QueryOptions{AllPages: true})
	if err != nil {
		return nil, err
	}
	return col.Entities, nil
}

// Create stores a new record and returns its id. The entity must not have
// an id yet, and every required attribute must hold a value; violations are
// rejected before any network traffic.
func (c *Connector) Create(ctx context.Context, e *crm.Entity) (string, error) {
	if e.HasID() {
		return "", &crm.ValidationError{Entity: e.LogicalName(), Reason: "create requires a record without an id"}
	}
	if missing := e.CheckMandatories(); len(missing) > 0 {
		return "", &crm.ValidationError{
			Entity: e.LogicalName(),
			Reason: "required attributes missing: " + strings.Join(missing, ", "),
		}
	}
	envelope, err := c.orgCall(ctx, "Create", createBody(e))
	if err != nil {
		return "", err
	}
	result := envelope.Find("CreateResult")
	if result == nil {
		return "", &soap.ProtocolError{Reason: "response has no CreateResult", RawResponse: envelope.String()}
	}
	id := result.TextContent()
	if err := e.SetID(id); err != nil {
		return "", err
	}
	e.Reset()
	return id, nil
}

// Update sends the changed attributes of an existing record.
func (c *Connector) Update(ctx context.Context, e *crm.Entity) error {
	if !e.HasID() {
		return &crm.ValidationError{Entity: e.LogicalName(), Reason: "update requires a record with an id"}
	}
	if _, err := c.orgCall(ctx, "Update", updateBody(e)); err != nil {
		return err
	}
	e.Reset()
	return nil
}

// Delete removes a record.
func (c *Connector) Delete(ctx context.Context, e *crm.Entity) error {
	if !e.HasID() {
		return &crm.ValidationError{Entity: e.LogicalName(), Reason: "delete requires a record with an id"}
	}
	_, err := c.orgCall(ctx, "Delete", deleteBody(e.LogicalName(), e.ID()))
	return err
}

// SetState changes a record's state and status. A negative status asks for
// the state's default status.
func (c *Connector) SetState(ctx context.Context, target *crm.Entity, state, status int) error {
	if !target.HasID() {
		return &crm.ValidationError{Entity: target.LogicalName(), Reason: "set state requires a record with an id"}
	}
	if status < 0 {
		status = state
	}
	_, err := c.orgCall(ctx, "Execute", setStateBody(target, state, status))
	return err
}

// CloseIncident resolves a case: resolution is an incidentresolution record
// pointing at the incident, status the closing status value.
func (c *Connector) CloseIncident(ctx context.Context, resolution *crm.Entity, status int) error {
	_, err := c.orgCall(ctx, "Execute", closeIncidentBody(resolution, status))
	return err
}

// RetrieveEntity fetches entity metadata directly, bypassing the schema
// cache: by logical name or by metadata id, with the given filter groups
// (defaulting to entity, attributes, privileges and relationships), and
// optionally as if all customizations were published.
func (c *Connector) RetrieveEntity(ctx context.Context, logicalName, metadataID, filters string, asIfPublished bool) (*crm.Schema, error) {
	node, err := c.retrieveEntityNode(ctx, logicalName, metadataID, filters, asIfPublished)
	if err != nil {
		return nil, err
	}
	return metadata.ParseSchema(node, c.logger)
}

// retrieveEntityNode executes RetrieveEntity and returns the EntityMetadata
// element of the response.
func (c *Connector) retrieveEntityNode(ctx context.Context, logicalName, metadataID, filters string, asIfPublished bool) (*xmldom.Node, error) {
	if logicalName == "" && (metadataID == "" || metadataID == crm.EmptyGUID) {
		return nil, &crm.ValidationError{Entity: logicalName, Reason: "retrieve entity requires a logical name or a metadata id"}
	}
	if logicalName != "" && metadataID != "" && metadataID != crm.EmptyGUID {
		return nil, &crm.ValidationError{Entity: logicalName, Reason: "retrieve entity takes a logical name or a metadata id, not both"}
	}
	envelope, err := c.orgCall(ctx, "Execute", retrieveEntityBody(logicalName, metadataID, filters, asIfPublished))
	if err != nil {
		return nil, err
	}
	results := envelope.Find("Results")
	if results != nil {
		for _, pair := range results.Children {
			key := pair.ChildNamed("key")
			value := pair.ChildNamed("value")
			if key != nil && value != nil && key.TextContent() == "EntityMetadata" {
				return value, nil
			}
		}
	}
	return nil, &soap.ProtocolError{Reason: "response has no EntityMetadata result", RawResponse: envelope.String()}
}
