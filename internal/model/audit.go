package model

import "time"

// AuditEventType names a lifecycle or sync event
type AuditEventType string

const (
	AuditIssued            AuditEventType = "voucher_issued"
	AuditRedeemed          AuditEventType = "voucher_redeemed"
	AuditCancelled         AuditEventType = "voucher_cancelled"
	AuditExpired           AuditEventType = "voucher_expired"
	AuditAdoptedRemote     AuditEventType = "sync_adopted_remote"
	AuditSyncConflict      AuditEventType = "sync_conflict"
	AuditIntegrityMismatch AuditEventType = "sync_integrity_mismatch"
)

// AuditEventFor returns the event emitted when a voucher enters status s
func AuditEventFor(s Status) AuditEventType {
	switch s {
	case StatusRedeemed:
		return AuditRedeemed
	case StatusCancelled:
		return AuditCancelled
	case StatusExpired:
		return AuditExpired
	}
	return AuditIssued
}

// AuditEvent is one entry handed to the audit sink
type AuditEvent struct {
	ID       string            `json:"id"`
	Type     AuditEventType    `json:"type"`
	Code     string            `json:"code"`
	Station  string            `json:"station,omitempty"`
	Operator string            `json:"operator,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}
