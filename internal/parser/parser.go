// Package parser turns raw submitted lines into work items. It is stateless;
// a line that cannot be parsed yields a terminal validation error and never
// reaches a gateway.
package parser

import (
	"fmt"
	"strings"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
)

// Supported separators, tried in order. A line such as
//   field1|field2|field3
// or
//   field1:field2:field3
// parses into its trimmed non-empty fields.
var separators = []string{"|", ";", ":"}

// ParseLine parses one raw line into a WorkItem with the given ordinal index.
func ParseLine(raw string, index int) (domain.WorkItem, error) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return domain.WorkItem{}, fmt.Errorf("%w: empty or comment line", domain.ErrValidation)
	}

	item := domain.WorkItem{
		Index:  index,
		Raw:    raw,
		Fields: splitFields(line),
	}
	if err := item.Validate(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// ParseLines parses a submitted payload, skipping blank and comment lines.
// Unparseable lines are returned separately so the caller can report them as
// terminal parse failures without aborting the batch.
func ParseLines(lines []string) (items []domain.WorkItem, failed []int) {
	index := 0
	for i, raw := range lines {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		item, err := ParseLine(raw, index)
		if err != nil {
			failed = append(failed, i)
			continue
		}
		items = append(items, item)
		index++
	}
	return items, failed
}

func splitFields(line string) []string {
	sep := ""
	for _, candidate := range separators {
		if strings.Contains(line, candidate) {
			sep = candidate
			break
		}
	}
	if sep == "" {
		return []string{line}
	}

	parts := strings.Split(line, sep)
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	return fields
}
