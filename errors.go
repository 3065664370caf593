package dynabridge

import "fmt"

// ConfigurationError reports an unusable connector setup: missing settings,
// or an operation attempted before the connector is ready.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "dynabridge: configuration error: " + e.Reason
}

// UnsupportedAuthModeError is returned when the server's security policy
// advertises an authentication mode other than federation.
type UnsupportedAuthModeError struct {
	Mode string
}

func (e *UnsupportedAuthModeError) Error() string {
	return fmt.Sprintf("dynabridge: authentication mode %q is not supported, only Federation is", e.Mode)
}

// AuthenticationError means the token service rejected the credentials.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return "dynabridge: authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// OrganizationNotFoundError means discovery succeeded but none of the
// organizations offered matches the configured name.
type OrganizationNotFoundError struct {
	Organization string
	Available    []string
}

func (e *OrganizationNotFoundError) Error() string {
	return fmt.Sprintf("dynabridge: organization %q not found via discovery", e.Organization)
}
