package domain

import (
	"fmt"
	"strings"
)

// WorkItem is one unit submitted for processing. Fields are parsed from the
// raw line and stay opaque to the engine; Index is only used to correlate
// results back to the submitted queue and implies no ordering guarantee.
type WorkItem struct {
	Index  int
	Raw    string
	Fields []string
}

func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.Raw) == "" {
		return fmt.Errorf("%w: raw input is required", ErrValidation)
	}
	if len(w.Fields) == 0 {
		return fmt.Errorf("%w: work item has no parsed fields", ErrValidation)
	}
	if w.Index < 0 {
		return fmt.Errorf("%w: negative work item index %d", ErrValidation, w.Index)
	}
	return nil
}
