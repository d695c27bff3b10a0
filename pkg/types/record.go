package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlowRecord is one data point logged by a step during a run.
type FlowRecord struct {
	RecordID       string          `json:"record_id"`
	RunID          string          `json:"run_id"`
	StepName       string          `json:"step_name"`
	Data           json.RawMessage `json:"data"`
	SequenceNumber int64           `json:"sequence_number"`
	LoggedAt       time.Time       `json:"logged_at"`
}

// ToSSE formats the record for the Server-Sent Events protocol, using the
// sequence number as the event id so clients can resume with Last-Event-ID.
func (r *FlowRecord) ToSSE() []byte {
	data, _ := json.Marshal(r)
	return []byte(fmt.Sprintf("id: %d\nevent: record\ndata: %s\n\n", r.SequenceNumber, data))
}
