// Package models provides data model definitions for the TutorDesk client engine.
package models

import "time"

// ConflictItem is a pair of local/remote versions of the same entity, both
// modified independently since the last sync watermark, with differing
// content. Conflict items live in process memory only for the duration of
// a resolution session; they are never persisted.
type ConflictItem struct {
	ID              UUID       `json:"id"`
	EntityType      EntityType `json:"entity_type"`
	Local           *Record    `json:"local_version"`
	Remote          *Record    `json:"remote_version"`
	LocalUpdatedAt  int64      `json:"local_updated_at"`
	RemoteUpdatedAt int64      `json:"remote_updated_at"`
	DetectedAt      int64      `json:"detected_at"`
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictItem) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
