package models

import "time"

// CallRecord is the dev relay's server-side view of an assigned call.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	CallerName string     `json:"callerName,omitempty"`
	TargetID   string     `json:"targetId"`
	Status     string     `json:"status"` // "ringing", "accepted", "rejected", "ended"
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// Other returns the participant that is not id.
func (r *CallRecord) Other(id string) string {
	if id == r.CallerID {
		return r.TargetID
	}
	return r.CallerID
}

// Has reports whether id takes part in the call.
func (r *CallRecord) Has(id string) bool {
	return id == r.CallerID || id == r.TargetID
}
