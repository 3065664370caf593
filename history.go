package dynabridge

import (
	"context"
	"sort"
	"time"

	"github.com/crmlabs/dynabridge/crm"
	"github.com/crmlabs/dynabridge/internal/xmldom"
	"github.com/crmlabs/dynabridge/soap"
)

// AuditDetail is one entry of a record's change history: the audit record
// itself plus the attribute values before and after the change, when the
// entry is an attribute change.
type AuditDetail struct {
	AuditRecord *crm.Entity
	OldValues   *crm.Entity
	NewValues   *crm.Entity
	CreatedOn   time.Time
}

// RetrieveRecordChangeHistory fetches the audit trail of a record, oldest
// entry first.
func (c *Connector) RetrieveRecordChangeHistory(ctx context.Context, target *crm.Entity) ([]*AuditDetail, error) {
	if !target.HasID() {
		return nil, &crm.ValidationError{Entity: target.LogicalName(), Reason: "change history requires a record with an id"}
	}
	envelope, err := c.orgCall(ctx, "Execute", changeHistoryBody(target))
	if err != nil {
		return nil, err
	}
	collection := auditCollection(envelope)
	if collection == nil {
		return nil, &soap.ProtocolError{Reason: "response has no AuditDetailCollection", RawResponse: envelope.String()}
	}

	var details []*AuditDetail
	for _, node := range collection.FindAll("AuditDetail") {
		detail, err := c.parseAuditDetail(ctx, node)
		if err != nil {
			return nil, err
		}
		if detail != nil {
			details = append(details, detail)
		}
	}
	sort.SliceStable(details, func(i, j int) bool {
		return details[i].CreatedOn.Before(details[j].CreatedOn)
	})
	return details, nil
}

// auditCollection locates the audit detail collection, which arrives as a
// result parameter value typed AuditDetailCollection.
func auditCollection(envelope *xmldom.Node) *xmldom.Node {
	for _, value := range envelope.FindAll("value") {
		if value.TypeAttr() == "AuditDetailCollection" {
			return value
		}
	}
	return envelope.Find("AuditDetailCollection")
}

func (c *Connector) parseAuditDetail(ctx context.Context, node *xmldom.Node) (*AuditDetail, error) {
	recordNode := node.ChildNamed("AuditRecord")
	if recordNode == nil {
		return nil, nil
	}
	record, err := crm.EntityFromNode(ctx, recordNode, c.schemas, c.logger)
	if err != nil {
		return nil, err
	}
	detail := &AuditDetail{AuditRecord: record}
	if t, ok := record.Get("createdon").(time.Time); ok {
		detail.CreatedOn = t
	}
	if n := node.ChildNamed("OldValue"); n != nil {
		if detail.OldValues, err = crm.EntityFromNode(ctx, n, c.schemas, c.logger); err != nil {
			return nil, err
		}
	}
	if n := node.ChildNamed("NewValue"); n != nil {
		if detail.NewValues, err = crm.EntityFromNode(ctx, n, c.schemas, c.logger); err != nil {
			return nil, err
		}
	}
	return detail, nil
}
