package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind names a pipeline progress event.
type EventKind string

const (
	EventPageDone        EventKind = "page_done"
	EventPageFailed      EventKind = "page_failed"
	EventEntityExtracted EventKind = "entity_extracted"
	EventEntityFailed    EventKind = "entity_failed"
	EventEntitySkipped   EventKind = "entity_skipped"
	EventBatchDone       EventKind = "batch_done"
	EventRunDone         EventKind = "run_done"
)

// Event is a structured progress report emitted by the pipeline.
type Event struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Kind       EventKind `json:"kind"`
	Page       int       `json:"page,omitempty"`
	Batch      int       `json:"batch,omitempty"`
	CompanyID  string    `json:"company_id,omitempty"`
	Fetched    int       `json:"fetched,omitempty"`
	Inserted   int       `json:"inserted,omitempty"`
	Duplicates int       `json:"duplicates,omitempty"`
	Succeeded  int       `json:"succeeded,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Skipped    int       `json:"skipped,omitempty"`
	Err        string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Emit sends ev on ch, stamping id and time. A nil channel drops the event.
// Emit gives up when ctx is done so a slow consumer never wedges a worker.
func Emit(ctx context.Context, ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
