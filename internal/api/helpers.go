package api

import (
	"errors"

	"github.com/vibetunnel/vibetunnel/internal/apierr"
)

// isTerminalInputError reports whether err means the session can never
// accept input again, so a WS input socket should close rather than keep
// retrying.
func isTerminalInputError(err error) bool {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == apierr.SessionExited || apiErr.Kind == apierr.NotFound
}
