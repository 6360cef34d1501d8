package domain

import "time"

// AuditLog represents one audit event. Metadata is free-form JSON or text and never holds challenge tokens.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
