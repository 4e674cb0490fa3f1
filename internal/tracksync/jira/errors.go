package jira

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError reports a non-2xx response from the tracker API. Only
// Unauthorized is recoverable (via a token refresh); everything else aborts
// the operation that hit it.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker API returned HTTP %d", e.Code)
}

// IsUnauthorized reports whether err is a HTTP 401 from the tracker.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized
}
