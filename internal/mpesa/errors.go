package mpesa

import (
	"errors"
	"fmt"
)

// AuthenticationError is returned when Daraja rejects the consumer credentials.
// It never carries the credentials themselves.
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("mpesa authentication failed: status %d", e.StatusCode)
}

// GatewayError is returned when Daraja rejects a push or a status query.
// Message and Body hold the provider's own diagnostics.
type GatewayError struct {
	Op           string
	StatusCode   int
	ProviderCode string
	Message      string
	Body         string
}

func (e *GatewayError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("mpesa %s failed: status %d, code %s: %s", e.Op, e.StatusCode, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("mpesa %s failed: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// StillProcessing reports whether err is Daraja's "transaction is being
// processed" answer to a status query.
func StillProcessing(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.ProviderCode == StillProcessingCode
}
