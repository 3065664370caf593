package soap

import "fmt"

// TransportError wraps a network-level failure while talking to an endpoint.
// The request never produced a SOAP response.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("soap: transport failure for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates the server responded, but with something that is
// not a well-formed SOAP envelope. RawResponse keeps the body for diagnosis.
type ProtocolError struct {
	Reason      string
	RawResponse string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("soap: protocol error: %s", e.Reason)
}

// FaultError is a SOAP fault returned by the server, carrying the
// namespace-stripped fault code and the human-readable reason.
type FaultError struct {
	Code   string
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("soap: fault %s: %s", e.Code, e.Reason)
}
