// Package bus implements the decision bus: a bounded in-memory ring
// buffer, an append-only NDJSON log, and SSE fan-out to live
// subscribers.
package bus

import "time"

// Family is the coarse decision class used for metrics and filtering.
type Family string

const (
	FamilyAllow   Family = "allow"
	FamilyBlock   Family = "block"
	FamilyVerify  Family = "verify"
	FamilySanitize Family = "sanitize"
)

// Mode is the arm-runtime operating mode active when the event fired.
type Mode string

const (
	ModeNormal        Mode = "normal"
	ModeEgressOnly    Mode = "egress_only"
	ModeExecuteLocked Mode = "execute_locked"
	ModeFullQuarantine Mode = "full_quarantine"
)

// Event is one decision-bus record.
type Event struct {
	TS             time.Time `json:"ts"`
	IncidentID     string    `json:"incident_id"`
	RequestID      string    `json:"request_id"`
	Tenant         string    `json:"tenant"`
	Bot            string    `json:"bot"`
	Family         Family    `json:"family"`
	Mode           Mode      `json:"mode"`
	Status         string    `json:"status"`
	Endpoint       string    `json:"endpoint"`
	RuleIDs        []string  `json:"rule_ids,omitempty"`
	PolicyVersion  string    `json:"policy_version"`
	LatencyMS      float64   `json:"latency_ms"`
	ShadowAction   string    `json:"shadow_action,omitempty"`
	ShadowRuleIDs  []string  `json:"shadow_rule_ids,omitempty"`

	Seq uint64 `json:"seq"`
}

// Filter narrows a query over bus history.
type Filter struct {
	Tenant    string
	Bot       string
	Family    Family
	Mode      Mode
	RuleID    string
	RequestID string
	FromTS    time.Time
	ToTS      time.Time
	Sort      SortOrder
	Limit     int
	Offset    int
}

// SortOrder selects ascending or descending timestamp order.
type SortOrder string

const (
	SortTSAsc  SortOrder = "ts_asc"
	SortTSDesc SortOrder = "ts_desc"
)

func (f Filter) matches(e Event) bool {
	if f.Tenant != "" && f.Tenant != e.Tenant {
		return false
	}
	if f.Bot != "" && f.Bot != e.Bot {
		return false
	}
	if f.Family != "" && f.Family != e.Family {
		return false
	}
	if f.Mode != "" && f.Mode != e.Mode {
		return false
	}
	if f.RequestID != "" && f.RequestID != e.RequestID {
		return false
	}
	if f.RuleID != "" {
		found := false
		for _, id := range e.RuleIDs {
			if id == f.RuleID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.FromTS.IsZero() && e.TS.Before(f.FromTS) {
		return false
	}
	if !f.ToTS.IsZero() && e.TS.After(f.ToTS) {
		return false
	}
	return true
}
