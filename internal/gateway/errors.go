package gateway

import (
	"fmt"

	"github.com/sells-group/supplier-cli/internal/resilience"
)

// FetchError is returned once every attempt for a URL has failed.
type FetchError struct {
	URL        string
	Attempts   int
	StatusCode int       // last HTTP status, 0 for transport errors
	Block      BlockType // set when the last response was an anti-bot page
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Block != BlockNone:
		return fmt.Sprintf("gateway: %s blocked (%s) after %d attempts", e.URL, e.Block, e.Attempts)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway: %s returned %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	default:
		return fmt.Sprintf("gateway: %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure looks like network or provider
// throttling rather than a problem with the requested entity.
func (e *FetchError) Transient() bool {
	if e.Block != BlockNone {
		return true
	}
	if e.StatusCode != 0 {
		return resilience.IsTransientHTTPStatus(e.StatusCode)
	}
	return resilience.IsTransient(e.Err)
}

// statusError marks a non-2xx response inside the retry loop.
type statusError struct {
	code  int
	block BlockType
}

func (e *statusError) Error() string {
	if e.block != BlockNone {
		return fmt.Sprintf("blocked by %s (status %d)", e.block, e.code)
	}
	return fmt.Sprintf("unexpected status %d", e.code)
}
