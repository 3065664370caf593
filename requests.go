package dynabridge

import (
	"strconv"
	"strings"

	"github.com/crmlabs/dynabridge/crm"
	"github.com/crmlabs/dynabridge/internal/xmldom"
)

const (
	nsMetadata = "http://schemas.microsoft.com/xrm/2011/Metadata"
	nsArrays   = "http://schemas.microsoft.com/2003/10/Serialization/Arrays"

	defaultEntityFilters = "Entity Attributes Privileges Relationships"
)

// serviceBody starts an operation element in the organization service
// namespace.
func serviceBody(operation string) *xmldom.Node {
	return xmldom.New(operation).
		SetAttr("xmlns", crm.NSServices).
		SetAttr("xmlns:i", crm.NSXSI)
}

func retrieveBody(entityName, id string, columns []string) *xmldom.Node {
	body := serviceBody("Retrieve")
	body.Child("entityName").SetText(entityName)
	body.Child("id").SetText(id)
	columnSet := body.Child("columnSet").SetAttr("xmlns:b", crm.NSContracts)
	if len(columns) == 0 {
		columnSet.Child("b:AllColumns").SetText("true")
		return body
	}
	columnSet.Child("b:AllColumns").SetText("false")
	list := columnSet.Child("b:Columns").SetAttr("xmlns:c", nsArrays)
	for _, col := range columns {
		list.Child("c:string").SetText(strings.ToLower(col))
	}
	return body
}

func retrieveMultipleBody(query string) *xmldom.Node {
	body := serviceBody("RetrieveMultiple")
	queryNode := body.Child("query").
		SetAttr("i:type", "b:FetchExpression").
		SetAttr("xmlns:b", crm.NSContracts)
	queryNode.Child("b:Query").SetText(query)
	return body
}

func createBody(e *crm.Entity) *xmldom.Node {
	body := serviceBody("Create")
	body.Add(e.WireNode("entity").SetAttr("xmlns:b", crm.NSContracts))
	return body
}

func updateBody(e *crm.Entity) *xmldom.Node {
	body := serviceBody("Update")
	body.Add(e.WireNode("entity").SetAttr("xmlns:b", crm.NSContracts))
	return body
}

func deleteBody(entityName, id string) *xmldom.Node {
	body := serviceBody("Delete")
	body.Child("entityName").SetText(entityName)
	body.Child("id").SetText(id)
	return body
}

// executeBody wraps an organization request for the Execute operation.
// params are b:KeyValuePairOfstringanyType elements.
func executeBody(requestType, requestName string, params []*xmldom.Node) *xmldom.Node {
	body := serviceBody("Execute")
	request := body.Child("request").
		SetAttr("i:type", "b:"+requestType).
		SetAttr("xmlns:b", crm.NSContracts)
	parameters := request.Child("b:Parameters").SetAttr("xmlns:c", crm.NSGeneric)
	for _, p := range params {
		parameters.Add(p)
	}
	request.Child("b:RequestId").SetAttr("i:nil", "true")
	request.Child("b:RequestName").SetText(requestName)
	return body
}

// param builds one request parameter; fill receives the c:value element.
func param(key string, fill func(value *xmldom.Node)) *xmldom.Node {
	pair := xmldom.New("b:KeyValuePairOfstringanyType")
	pair.Child("c:key").SetText(key)
	fill(pair.Child("c:value"))
	return pair
}

func referenceValue(value *xmldom.Node, target *crm.Entity) {
	value.SetAttr("i:type", "b:EntityReference")
	value.Child("b:Id").SetText(target.ID())
	value.Child("b:LogicalName").SetText(target.LogicalName())
	value.Child("b:Name").SetAttr("i:nil", "true")
}

func optionValue(value *xmldom.Node, n int) {
	value.SetAttr("i:type", "b:OptionSetValue")
	value.Child("b:Value").SetText(strconv.Itoa(n))
}

func retrieveEntityBody(logicalName, metadataID, filters string, asIfPublished bool) *xmldom.Node {
	if filters == "" {
		filters = defaultEntityFilters
	}
	if metadataID == "" {
		metadataID = crm.EmptyGUID
	}
	params := []*xmldom.Node{
		param("EntityFilters", func(v *xmldom.Node) {
			v.SetAttr("i:type", "d:EntityFilters").SetAttr("xmlns:d", nsMetadata).SetText(filters)
		}),
		param("MetadataId", func(v *xmldom.Node) {
			v.SetAttr("i:type", "d:guid").SetAttr("xmlns:d", crm.NSSerialization).SetText(metadataID)
		}),
		param("RetrieveAsIfPublished", func(v *xmldom.Node) {
			v.SetAttr("i:type", "d:boolean").SetAttr("xmlns:d", crm.NSXSD).SetText(strconv.FormatBool(asIfPublished))
		}),
	}
	if logicalName != "" {
		params = append(params, param("LogicalName", func(v *xmldom.Node) {
			v.SetAttr("i:type", "d:string").SetAttr("xmlns:d", crm.NSXSD).SetText(strings.ToLower(logicalName))
		}))
	}
	return executeBody("RetrieveEntityRequest", "RetrieveEntity", params)
}

func setStateBody(target *crm.Entity, state, status int) *xmldom.Node {
	params := []*xmldom.Node{
		param("EntityMoniker", func(v *xmldom.Node) { referenceValue(v, target) }),
		param("State", func(v *xmldom.Node) { optionValue(v, state) }),
		param("Status", func(v *xmldom.Node) { optionValue(v, status) }),
	}
	return executeBody("SetStateRequest", "SetState", params)
}

func closeIncidentBody(resolution *crm.Entity, status int) *xmldom.Node {
	resolutionPair := xmldom.New("b:KeyValuePairOfstringanyType")
	resolutionPair.Child("c:key").SetText("IncidentResolution")
	resolutionPair.Add(resolution.WireNode("c:value").SetAttr("i:type", "b:Entity"))

	params := []*xmldom.Node{
		resolutionPair,
		param("Status", func(v *xmldom.Node) { optionValue(v, status) }),
	}
	return executeBody("CloseIncidentRequest", "CloseIncident", params)
}

func changeHistoryBody(target *crm.Entity) *xmldom.Node {
	params := []*xmldom.Node{
		param("Target", func(v *xmldom.Node) { referenceValue(v, target) }),
	}
	return executeBody("RetrieveRecordChangeHistoryRequest", "RetrieveRecordChangeHistory", params)
}
