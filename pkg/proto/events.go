package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a run progress event.
type EventType string

const (
	// EventStageStarted is emitted when a stage begins executing.
	EventStageStarted EventType = "STAGE_STARTED"
	// EventPartialOutput carries an incremental output delta from a
	// streaming agent call. Latency optimization only; the final stage
	// result is authoritative.
	EventPartialOutput EventType = "PARTIAL_OUTPUT"
	// EventStageCompleted is emitted when a stage result is recorded.
	EventStageCompleted EventType = "STAGE_COMPLETED"
	// EventRunFinished is emitted once, when the run reaches a terminal
	// status.
	EventRunFinished EventType = "RUN_FINISHED"
)

// RunEvent is a progress event for streaming consumers. Events for spine
// stages arrive in spine order; events from concurrent fan-out stages are
// interleaved without ordering guarantees.
type RunEvent struct {
	Type      EventType   `json:"type"`
	RunID     string      `json:"run_id"`
	Stage     Stage       `json:"stage,omitempty"`
	Agent     string      `json:"agent,omitempty"`
	Delta     string      `json:"delta,omitempty"`
	Status    StageStatus `json:"status,omitempty"`
	RunStatus RunStatus   `json:"run_status,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewRunEvent creates an event stamped with the current time.
func NewRunEvent(typ EventType, runID string, stage Stage) RunEvent {
	return RunEvent{
		Type:      typ,
		RunID:     runID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the event for the event log.
func (e *RunEvent) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize run event: %w", err)
	}
	return data, nil
}

// EventFromJSON parses a serialized run event.
func EventFromJSON(data []byte) (*RunEvent, error) {
	var ev RunEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse run event: %w", err)
	}
	return &ev, nil
}
