// Package fetchxml manipulates FetchXML query documents: paging attributes,
// result count limits, paging cookies, and the canned query used for
// retrieval by attribute value.
package fetchxml

import (
	"fmt"
	"strconv"

	"github.com/crmlabs/dynabridge/internal/xmldom"
)

// Prepare returns the query with paging applied: the page number and paging
// cookie are set on the fetch element, and the record count is clamped.
// A count already present in the query is kept when it is at or below the
// preferred count; a missing or larger one is overridden. preferredCount and
// any query count are both capped at maxRecords.
func Prepare(query string, page int, cookie string, preferredCount, maxRecords int) (string, error) {
	root, err := xmldom.Parse([]byte(query))
	if err != nil {
		return "", fmt.Errorf("malformed FetchXML: %w", err)
	}
	if root.Name != "fetch" {
		return "", fmt.Errorf("FetchXML root element is %q, want fetch", root.Name)
	}

	if page > 0 {
		root.SetAttr("page", strconv.Itoa(page))
	}
	if cookie != "" {
		root.SetAttr("paging-cookie", cookie)
	}

	preferred := preferredCount
	if preferred <= 0 || preferred > maxRecords {
		preferred = maxRecords
	}
	current := 0
	if c := root.Attr("count"); c != "" {
		current, _ = strconv.Atoi(c)
	}
	if current <= 0 || current > preferred {
		root.SetAttr("count", strconv.Itoa(preferred))
	}
	return root.String(), nil
}

// Page reads the page attribute of the query, 0 when absent.
func Page(query string) int {
	root, err := xmldom.Parse([]byte(query))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(root.Attr("page"))
	return n
}

// CookiePage reads the page attribute of a paging cookie, 0 when absent or
// unparseable.
func CookiePage(cookie string) int {
	root, err := xmldom.Parse([]byte(cookie))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(root.Attr("page"))
	return n
}

// SynthesizeCookie builds a minimal paging cookie for the given page, for
// servers that report more records without returning a cookie.
func SynthesizeCookie(page int) string {
	return `<cookie page="` + strconv.Itoa(page) + `"></cookie>`
}

// EntityName returns the logical name the query selects, "" when absent.
func EntityName(query string) string {
	root, err := xmldom.Parse([]byte(query))
	if err != nil {
		return ""
	}
	if entity := root.Find("entity"); entity != nil {
		return entity.Attr("name")
	}
	return ""
}

// ByNameQuery builds a FetchXML query selecting all attributes of records
// whose attribute equals value.
func ByNameQuery(entityName, attribute, value string) string {
	fetch := xmldom.New("fetch").
		SetAttr("version", "1.0").
		SetAttr("output-format", "xml-platform").
		SetAttr("mapping", "logical").
		SetAttr("distinct", "false")
	entity := fetch.Child("entity").SetAttr("name", entityName)
	entity.Child("all-attributes")
	filter := entity.Child("filter").SetAttr("type", "and")
	filter.Child("condition").
		SetAttr("attribute", attribute).
		SetAttr("operator", "eq").
		SetAttr("value", value)
	return fetch.String()
}
