package ledger

import (
	"errors"
	"fmt"
)

// APIError represents a structured error from the ledger.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%d] %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("[%d] %s", e.StatusCode, e.Code)
}

// IsAuth returns true if the session is invalid and retrying cannot help.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == 401 || e.StatusCode == 403 || IsAuthError(e.Code)
}

// IsInsufficientFunds returns true if the wallet could not cover a debit.
func (e *APIError) IsInsufficientFunds() bool {
	return e.StatusCode == 402 || e.Code == CodeInsufficientFunds
}

// IsRetryable returns true if the error can be resolved by waiting and retrying.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500 || e.Code == CodeRateLimited
}

// AsAPIError unwraps err to an *APIError if it is one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
