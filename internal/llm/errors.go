package llm

import "fmt"

// RequestFailedError is returned when the provider reports an unsuccessful
// call. Raw holds the provider's response for diagnosis.
type RequestFailedError struct {
	Provider string
	Raw      string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("llm request to %s failed: %s", e.Provider, truncate(e.Raw, 512))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
