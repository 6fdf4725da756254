package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions emitted by the services
const (
	AuditActionDocumentUpload = "document.upload"
	AuditActionDocumentDelete = "document.delete"
	AuditActionJobCancelled   = "job.cancelled"
	AuditActionDeadLettered   = "indexing.dead_lettered"
	AuditActionMessageSent    = "message.sent"
)

// AuditEvent is an append-only record. ID is the idempotency key.
type AuditEvent struct {
	ID        uuid.UUID      `json:"event_id"`
	Action    string         `json:"action"`
	Service   string         `json:"service"`
	UserID    string         `json:"user_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
