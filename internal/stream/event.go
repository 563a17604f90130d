// Package stream carries batch lifecycle events to the caller. The engine
// emits an abstract event sequence; how it reaches a client (long-lived HTTP
// response, message broker, websocket) is the consumer's concern.
package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
)

// EventType enumerates the batch event sequence:
// start, progress*, result*, credit_exhausted?, (complete | error).
type EventType string

const (
	EventStart           EventType = "start"
	EventProgress        EventType = "progress"
	EventResult          EventType = "result"
	EventCreditExhausted EventType = "credit_exhausted"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventStart, EventProgress, EventResult, EventCreditExhausted, EventComplete, EventError:
		return true
	}
	return false
}

// Droppable reports whether a slow consumer may lose this event. Progress
// updates are redundant with the next one; results and terminal events are
// not.
func (t EventType) Droppable() bool {
	return t == EventProgress
}

// StartPayload announces an admitted batch, including the advisory credit
// warning when the worst case exceeds the balance.
type StartPayload struct {
	Total         int    `json:"total"`
	Balance       string `json:"balance"`
	Required      string `json:"required"`
	CreditWarning bool   `json:"creditWarning"`
}

// ProgressPayload carries running totals after a completion.
type ProgressPayload struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// ResultPayload carries one outcome in completion order with its submission
// index for re-sorting.
type ResultPayload struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Billing   string `json:"billing"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// SummaryPayload is the single aggregate record of a terminal batch.
type SummaryPayload struct {
	State        string         `json:"state"`
	Aborted      bool           `json:"aborted"`
	StopReason   string         `json:"stopReason,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Total        int            `json:"total"`
	Processed    int            `json:"processed"`
	Counts       map[string]int `json:"counts"`
	AmountBilled string         `json:"amountBilled"`
	ElapsedMs    int64          `json:"elapsedMs"`
}

// Event is one batch lifecycle message.
type Event struct {
	Type     EventType        `json:"type"`
	BatchID  string           `json:"batchId"`
	TenantID string           `json:"tenantId"`
	At       time.Time        `json:"at"`
	Start    *StartPayload    `json:"start,omitempty"`
	Progress *ProgressPayload `json:"progress,omitempty"`
	Result   *ResultPayload   `json:"result,omitempty"`
	Summary  *SummaryPayload  `json:"summary,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func (e Event) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if strings.TrimSpace(e.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	return nil
}

// SummaryPayloadFrom flattens a domain summary for transport.
func SummaryPayloadFrom(summary domain.BatchSummary) *SummaryPayload {
	counts := make(map[string]int, len(summary.Counts))
	for status, count := range summary.Counts {
		counts[status.String()] = count
	}

	return &SummaryPayload{
		State:        summary.State.String(),
		Aborted:      summary.Aborted,
		StopReason:   summary.StopReason.String(),
		Reason:       summary.Reason,
		Total:        summary.Total,
		Processed:    summary.Processed,
		Counts:       counts,
		AmountBilled: summary.AmountBilled.String(),
		ElapsedMs:    summary.Elapsed.Milliseconds(),
	}
}
