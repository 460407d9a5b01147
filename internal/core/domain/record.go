package domain

import "time"

// CallRecordStatus is the gateway's view of a call's progress.
type CallRecordStatus string

const (
	RecordRinging    CallRecordStatus = "ringing"
	RecordInProgress CallRecordStatus = "in-progress"
	RecordCompleted  CallRecordStatus = "completed"
	RecordRejected   CallRecordStatus = "rejected"
	RecordCancelled  CallRecordStatus = "cancelled"
)

// CallRecord is the gateway-side bookkeeping for one call.
type CallRecord struct {
	Sid        CallID           `json:"sid"`
	ClientID   string           `json:"client_id"`
	Status     CallRecordStatus `json:"status"`
	Preflight  bool             `json:"preflight"`
	CreatedAt  time.Time        `json:"created_at"`
	AnsweredAt time.Time        `json:"answered_at,omitempty"`
	EndedAt    time.Time        `json:"ended_at,omitempty"`
}

// Active reports whether the record represents a live call.
func (r *CallRecord) Active() bool {
	return r.Status == RecordRinging || r.Status == RecordInProgress
}
