// Package wsdl reads the service description documents published by the
// discovery and organization endpoints: it inlines wsdl:import references,
// locates the security policy for the service binding, and extracts the
// federation metadata needed to talk to the secure token service.
package wsdl

import (
	"context"
	"fmt"
	"strings"

	"github.com/crmlabs/dynabridge/internal/xmldom"
)

// Getter fetches a document by URL. The connector supplies an HTTP GET
// implementation; tests supply fixtures.
type Getter func(ctx context.Context, url string) ([]byte, error)

// Document is a service description with all imports merged in.
type Document struct {
	root *xmldom.Node
}

// maxImportPasses bounds the import-inlining loop against circular imports.
const maxImportPasses = 10

// Load fetches the WSDL at url and repeatedly inlines wsdl:import documents
// until none remain.
func Load(ctx context.Context, get Getter, url string) (*Document, error) {
	data, err := get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch WSDL %s: %w", url, err)
	}
	root, err := xmldom.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse WSDL %s: %w", url, err)
	}
	for pass := 0; pass < maxImportPasses; pass++ {
		imported, err := inlineImports(ctx, get, root)
		if err != nil {
			return nil, err
		}
		if !imported {
			return &Document{root: root}, nil
		}
	}
	return nil, fmt.Errorf("WSDL %s: import nesting too deep", url)
}

// inlineImports replaces every import that carries a location with the
// children of the fetched document. Returns whether anything was inlined.
func inlineImports(ctx context.Context, get Getter, root *xmldom.Node) (bool, error) {
	imported := false
	for i := 0; i < len(root.Children); i++ {
		child := root.Children[i]
		if child.Name != "import" || child.Attr("location") == "" {
			continue
		}
		location := child.Attr("location")
		data, err := get(ctx, location)
		if err != nil {
			return false, fmt.Errorf("fetch WSDL import %s: %w", location, err)
		}
		sub, err := xmldom.Parse(data)
		if err != nil {
			return false, fmt.Errorf("parse WSDL import %s: %w", location, err)
		}
		replacement := append([]*xmldom.Node{}, root.Children[:i]...)
		replacement = append(replacement, sub.Children...)
		replacement = append(replacement, root.Children[i+1:]...)
		root.Children = replacement
		i += len(sub.Children) - 1
		imported = true
	}
	return imported, nil
}

// SecurityPolicy resolves the wsp:Policy attached to the service's binding:
// service port, binding reference, policy reference, policy by wsu:Id.
func (d *Document) SecurityPolicy() (*xmldom.Node, error) {
	service := d.root.Find("service")
	if service == nil {
		return nil, fmt.Errorf("WSDL has no service definition")
	}
	port := service.ChildNamed("port")
	if port == nil {
		return nil, fmt.Errorf("WSDL service has no port")
	}
	bindingName := xmldom.StripNS(port.Attr("binding"))
	if bindingName == "" {
		return nil, fmt.Errorf("WSDL port has no binding reference")
	}

	var policyID string
	for _, binding := range d.root.FindAll("binding") {
		if binding.Attr("name") != bindingName {
			continue
		}
		if ref := binding.ChildNamed("PolicyReference"); ref != nil {
			policyID = strings.TrimPrefix(ref.Attr("URI"), "#")
		}
		break
	}
	if policyID == "" {
		return nil, fmt.Errorf("binding %s has no policy reference", bindingName)
	}

	for _, policy := range d.root.FindAll("Policy") {
		if policy.Attr("Id") == policyID {
			return policy, nil
		}
	}
	return nil, fmt.Errorf("policy %s not found in WSDL", policyID)
}

// AuthenticationMode returns the authentication type the policy advertises,
// for example "Federation" or "LiveId". Empty when the policy carries none.
func AuthenticationMode(policy *xmldom.Node) string {
	if auth := policy.Find("Authentication"); auth != nil {
		return auth.TextContent()
	}
	return ""
}

// FederationMetadataAddress extracts the token issuer's metadata exchange URL
// from the endorsing supporting tokens section of the policy.
func FederationMetadataAddress(policy *xmldom.Node) (string, error) {
	tokens := policy.Find("EndorsingSupportingTokens")
	if tokens == nil {
		return "", fmt.Errorf("policy has no endorsing supporting tokens")
	}
	issuedToken := tokens.Find("IssuedToken")
	if issuedToken == nil {
		return "", fmt.Errorf("policy has no issued token assertion")
	}
	issuer := issuedToken.ChildNamed("Issuer")
	if issuer == nil {
		return "", fmt.Errorf("issued token has no issuer")
	}
	metadata := issuer.Find("Metadata")
	if metadata == nil {
		return "", fmt.Errorf("token issuer has no metadata section")
	}
	address := metadata.Find("Address")
	if address == nil || address.TextContent() == "" {
		return "", fmt.Errorf("token issuer metadata has no address")
	}
	return address.TextContent(), nil
}

// usernameTrustPort is the WS-Trust 1.3 port that accepts username and
// password credentials.
const usernameTrustPort = "UserNameWSTrustBinding_IWSTrust13Async"

// TrustAddress finds the username-password WS-Trust 1.3 endpoint in a
// metadata exchange document.
func TrustAddress(mex *xmldom.Node) (string, error) {
	for _, port := range mex.FindAll("port") {
		if !strings.Contains(port.Attr("name"), usernameTrustPort) {
			continue
		}
		if addr := port.ChildNamed("address"); addr != nil && addr.Attr("location") != "" {
			return addr.Attr("location"), nil
		}
		if addr := port.Find("Address"); addr != nil && addr.TextContent() != "" {
			return addr.TextContent(), nil
		}
	}
	return "", fmt.Errorf("no username WS-Trust 1.3 endpoint in federation metadata")
}

// SOAPActions maps every operation on the service binding to its SOAP action
// URI.
func (d *Document) SOAPActions() map[string]string {
	actions := make(map[string]string)
	for _, binding := range d.root.FindAll("binding") {
		for _, op := range binding.FindAll("operation") {
			name := op.Attr("name")
			if name == "" {
				continue
			}
			if inner := op.ChildNamed("operation"); inner != nil && inner.Attr("soapAction") != "" {
				actions[name] = inner.Attr("soapAction")
			}
		}
	}
	return actions
}
