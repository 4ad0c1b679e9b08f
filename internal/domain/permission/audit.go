package permission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an immutable record of one lifecycle event on a permission.
// The audit log is append-only and ordered by commit time; consumers derive
// current scope and status from the latest entry plus the permission fields.
type AuditEntry struct {
	ID          uuid.UUID              `json:"id"`
	Action      string                 `json:"action"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	TriggeredBy TriggerSource          `json:"triggered_by"`
	Reason      string                 `json:"reason,omitempty"`
}

// TriggerSource identifies who caused a lifecycle event
type TriggerSource int

const (
	TriggerUser TriggerSource = iota
	TriggerSystem
	TriggerCommunity
	TriggerAI
)

func (s TriggerSource) String() string {
	switch s {
	case TriggerUser:
		return "user"
	case TriggerSystem:
		return "system"
	case TriggerCommunity:
		return "community"
	case TriggerAI:
		return "ai"
	default:
		return "unknown"
	}
}

// ParseTriggerSource parses the wire form of a trigger source
func ParseTriggerSource(s string) (TriggerSource, error) {
	switch s {
	case "user":
		return TriggerUser, nil
	case "system":
		return TriggerSystem, nil
	case "community":
		return TriggerCommunity, nil
	case "ai":
		return TriggerAI, nil
	default:
		return 0, fmt.Errorf("unknown trigger source: %s", s)
	}
}

// NewAuditEntry creates an audit entry stamped with the current time
func NewAuditEntry(action string, triggeredBy TriggerSource, reason string, details map[string]interface{}) AuditEntry {
	return AuditEntry{
		ID:          uuid.New(),
		Action:      action,
		Details:     details,
		Timestamp:   time.Now().UTC(),
		TriggeredBy: triggeredBy,
		Reason:      reason,
	}
}

// Clone returns a deep copy of the entry
func (e AuditEntry) Clone() AuditEntry {
	clone := e
	if e.Details != nil {
		clone.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return clone
}
