package crm

import "fmt"

// ValidationError reports a client-side rejection of an attribute value or an
// operation precondition, raised before anything is sent to the server.
type ValidationError struct {
	Entity    string
	Attribute string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("crm: %s.%s: %s", e.Entity, e.Attribute, e.Reason)
	}
	return fmt.Sprintf("crm: %s: %s", e.Entity, e.Reason)
}
