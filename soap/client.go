// Package soap implements the SOAP 1.2 plumbing shared by every service
// call: envelope construction with WS-Addressing headers, the WS-Security
// signed header, HTTP transport, and response validation with fault mapping.
package soap

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/internal/xmldom"
)

const contentType = "application/soap+xml; charset=UTF-8"

// Fault actions a SOAP 1.2 server uses to flag a failed call.
var faultActions = map[string]bool{
	"http://www.w3.org/2005/08/addressing/soap/fault":                                           true,
	"http://schemas.microsoft.com/net/2005/12/windowscommunicationfoundation/dispatcher/fault": true,
	"http://schemas.microsoft.com/xrm/2011/Contracts/Services/IOrganizationService/ExecuteOrganizationServiceFaultFault": true,
}

// Transport posts a request body to a URL and returns the raw response.
// A non-2xx status is not an error here: SOAP faults ride on HTTP 500 and
// are detected from the envelope.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

// HTTPTransport is the production Transport over net/http.
type HTTPTransport struct {
	Client *http.Client
}

// Post sends a SOAP 1.2 POST and reads the full response body.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Connection", "Keep-Alive")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return data, nil
}

// Client executes SOAP calls over a Transport and normalizes the responses.
type Client struct {
	transport Transport
	logger    *zap.Logger
}

// NewClient returns a Client. A nil logger disables logging.
func NewClient(transport Transport, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{transport: transport, logger: logger}
}

// Call sends the request and returns the parsed response envelope.
// It validates the envelope structure, and turns fault responses into
// *FaultError.
func (c *Client) Call(ctx context.Context, req *Request) (*xmldom.Node, error) {
	_, root, err := c.CallRaw(ctx, req)
	return root, err
}

// CallRaw is Call, additionally returning the raw response bytes.
func (c *Client) CallRaw(ctx context.Context, req *Request) ([]byte, *xmldom.Node, error) {
	payload := req.Envelope()
	c.logger.Debug("soap call", zap.String("action", req.Action), zap.String("to", req.To))

	raw, err := c.transport.Post(ctx, req.To, []byte(payload))
	if err != nil {
		return nil, nil, err
	}
	root, err := ParseResponse(raw)
	if err != nil {
		return raw, nil, err
	}
	return raw, root, nil
}

// ParseResponse validates a raw SOAP response and maps faults to errors.
func ParseResponse(raw []byte) (*xmldom.Node, error) {
	root, err := xmldom.Parse(raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "response is not valid XML", RawResponse: string(raw)}
	}
	if root.Name != "Envelope" {
		return nil, &ProtocolError{Reason: "response root is not a SOAP envelope", RawResponse: string(raw)}
	}
	header := root.ChildNamed("Header")
	if header == nil {
		return nil, &ProtocolError{Reason: "response envelope has no header", RawResponse: string(raw)}
	}
	if root.ChildNamed("Body") == nil {
		return nil, &ProtocolError{Reason: "response envelope has no body", RawResponse: string(raw)}
	}
	if action := header.ChildNamed("Action"); action != nil && faultActions[action.TextContent()] {
		return nil, faultFrom(root)
	}
	return root, nil
}

func faultFrom(envelope *xmldom.Node) *FaultError {
	fault := &FaultError{Code: "Unknown", Reason: "unknown SOAP fault"}
	if code := envelope.Find("Code"); code != nil {
		if value := code.ChildNamed("Value"); value != nil {
			fault.Code = xmldom.StripNS(value.TextContent())
		}
	}
	if reason := envelope.Find("Reason"); reason != nil {
		if text := reason.ChildNamed("Text"); text != nil {
			fault.Reason = text.TextContent()
		}
	}
	return fault
}
