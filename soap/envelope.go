package soap

import (
	"github.com/crmlabs/dynabridge/internal/xmldom"
	"github.com/google/uuid"
)

// SOAP 1.2 and WS-Addressing namespaces.
const (
	NSEnvelope   = "http://www.w3.org/2003/05/soap-envelope"
	NSAddressing = "http://www.w3.org/2005/08/addressing"

	anonymousAddress = "http://www.w3.org/2005/08/addressing/anonymous"
)

// Request describes one outgoing SOAP call. Security and ExtraHeaders are
// optional; Body is the single child of s:Body.
type Request struct {
	Action       string
	To           string
	Security     *xmldom.Node
	ExtraHeaders []*xmldom.Node
	Body         *xmldom.Node
}

// Envelope renders the request as a complete SOAP 1.2 envelope with
// WS-Addressing headers and a fresh message id.
func (r *Request) Envelope() string {
	env := xmldom.New("s:Envelope").
		SetAttr("xmlns:s", NSEnvelope).
		SetAttr("xmlns:a", NSAddressing)
	header := env.Child("s:Header")
	header.Child("a:Action").SetAttr("s:mustUnderstand", "1").SetText(r.Action)
	if r.Security != nil {
		header.Add(r.Security)
	}
	header.Child("a:MessageID").SetText("urn:uuid:" + uuid.NewString())
	header.Child("a:ReplyTo").Child("a:Address").SetText(anonymousAddress)
	header.Child("a:To").SetAttr("s:mustUnderstand", "1").SetText(r.To)
	for _, h := range r.ExtraHeaders {
		header.Add(h)
	}
	env.Child("s:Body").Add(r.Body)
	return `<?xml version="1.0" encoding="UTF-8"?>` + env.String()
}
