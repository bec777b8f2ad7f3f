package investing

import (
	"fmt"
	"time"
)

// ExtractionTimeoutError means the result table did not settle in time.
// The page may simply be slow, so the whole extraction can be retried.
type ExtractionTimeoutError struct {
	Step   string
	Waited time.Duration
}

func (e *ExtractionTimeoutError) Error() string {
	return fmt.Sprintf("%s: table did not stabilize within %s", e.Step, e.Waited.Round(time.Millisecond))
}

// PageStructureError means an expected control or element is missing.
// Retrying will not help until the selectors are updated.
type PageStructureError struct {
	Step     string
	Selector string
	Err      error
}

func (e *PageStructureError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Selector, e.Err)
}

func (e *PageStructureError) Unwrap() error {
	return e.Err
}
