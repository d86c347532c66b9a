// Package models - audit_log.go defines the AuditLog entry written for authenticated mutations.
package models

import "time"

// AuditLog records one mutation performed by an authenticated caller
type AuditLog struct {
	ID           string         `json:"id"`
	Username     *string        `json:"username,omitempty"`     // nil for system actions
	Action       string         `json:"action"`                 // "pack.publish", "org.delete", "token.revoke"
	ResourceType *string        `json:"resourceType,omitempty"` // "pack", "organization", "token"
	ResourceID   *string        `json:"resourceId,omitempty"`   // pack name, org name or token id
	Metadata     map[string]any `json:"metadata,omitempty"`     // JSONB: status code, path
	IPAddress    *string        `json:"ipAddress,omitempty"`
	RequestID    *string        `json:"requestId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}
