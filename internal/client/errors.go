package client

import "fmt"

// AuthError indicates that the identity provider rejected the
// client-credentials request or returned a payload without a token.
// The cached token, if any, is left untouched when this is returned.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError indicates a failed Dataverse Web API call: either a non-2xx HTTP
// status (StatusCode set) or a transport failure (StatusCode zero).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("PowerPlatform API request failed: %s", e.Body)
	}
	return fmt.Sprintf("PowerPlatform API request failed with status %d: %s", e.StatusCode, e.Body)
}
