package store

import "time"

// Episode is a persisted episode node, the relational shadow of a
// knowledge-graph ingestion. UID is deterministic per task so that a
// retried task converges on the same row.
type Episode struct {
	ID                int64
	UID               string
	TenantID          string
	ProjectID         string
	UserID            string
	Content           string
	SourceDescription string
	SourceType        string
	ValidAt           *time.Time
	CreatedAt         time.Time
}
