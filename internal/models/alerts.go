package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertSilenced     AlertStatus = "silenced"
)

// AlertRecord is one evaluated alert. IDs are deterministic per rule so
// repeated evaluations update the same record instead of duplicating it.
type AlertRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Severity       AlertSeverity     `json:"severity"`
	Status         AlertStatus       `json:"status"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// AlertID derives the deterministic alert id for a rule name.
func AlertID(ruleName string) string {
	sum := sha256.Sum256([]byte("alert:" + ruleName))
	return hex.EncodeToString(sum[:8])
}
