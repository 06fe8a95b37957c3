package admin

import (
	"time"

	"cartkeep/pkg/platform/audit"
)

// AuditEventResponse is the HTTP response DTO for one audit event.
type AuditEventResponse struct {
	Category    string    `json:"category"`
	Action      string    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
	Owner       string    `json:"owner,omitempty"`
	Source      string    `json:"source,omitempty"`
	Target      string    `json:"target,omitempty"`
	ItemCount   int       `json:"item_count"`
	Contributed int       `json:"contributed,omitempty"`
	Version     int64     `json:"version,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Device      string    `json:"device,omitempty"`
}

// AuditListResponse wraps the most recent audit events, oldest first.
type AuditListResponse struct {
	Events []AuditEventResponse `json:"events"`
	Total  int                  `json:"total"`
}

func newAuditListResponse(events []audit.Event) AuditListResponse {
	out := AuditListResponse{Events: make([]AuditEventResponse, 0, len(events)), Total: len(events)}
	for _, e := range events {
		out.Events = append(out.Events, AuditEventResponse{
			Category:    string(e.Category),
			Action:      e.Action,
			Timestamp:   e.Timestamp,
			Owner:       e.Owner,
			Source:      e.Source,
			Target:      e.Target,
			ItemCount:   e.ItemCount,
			Contributed: e.Contributed,
			Version:     e.Version,
			Reason:      e.Reason,
			RequestID:   e.RequestID,
			Device:      e.Device,
		})
	}
	return out
}
