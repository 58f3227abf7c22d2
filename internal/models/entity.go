// Package models provides data model definitions for the TutorDesk client engine.
package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies one server-owned entity collection.
type EntityType string

const (
	EntityStudents EntityType = "students"
	EntityGroups   EntityType = "groups"
	EntitySessions EntityType = "sessions"
	EntityPayments EntityType = "payments"
	EntityNotes    EntityType = "notes"
)

// AllEntityTypes is the fixed order in which collections are downloaded
// and replaced. The order matters only for progress reporting.
var AllEntityTypes = []EntityType{
	EntityStudents,
	EntityGroups,
	EntitySessions,
	EntityPayments,
	EntityNotes,
}

// Valid reports whether t names a known entity collection.
func (t EntityType) Valid() bool {
	switch t {
	case EntityStudents, EntityGroups, EntitySessions, EntityPayments, EntityNotes:
		return true
	}
	return false
}

// Record is one cached copy of a server-owned entity. The full entity
// document lives in Data; ID and UpdatedAt are extracted for indexing and
// conflict comparison. The server sets updated_at on every write.
type Record struct {
	ID        UUID            `json:"id"`
	UpdatedAt int64           `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// recordHeader is the subset of an entity document the engine indexes on.
type recordHeader struct {
	ID        UUID  `json:"id"`
	UpdatedAt int64 `json:"updated_at"`
}

// NewRecord builds a Record from an entity document (a struct or map that
// marshals to a JSON object carrying "id" and "updated_at").
func NewRecord(doc interface{}) (*Record, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal entity document: %w", err)
	}
	return RecordFromJSON(data)
}

// RecordFromJSON builds a Record from a raw entity document.
func RecordFromJSON(data []byte) (*Record, error) {
	var hdr recordHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("parse entity document: %w", err)
	}
	if hdr.ID == "" {
		return nil, fmt.Errorf("entity document missing id")
	}
	return &Record{ID: hdr.ID, UpdatedAt: hdr.UpdatedAt, Data: json.RawMessage(data)}, nil
}

// Fingerprint returns a hash of the record's content with the server
// timestamp stripped. Two records whose documents differ only in
// updated_at produce the same fingerprint.
func (r *Record) Fingerprint() string {
	var doc map[string]interface{}
	if err := json.Unmarshal(r.Data, &doc); err != nil {
		// Unparseable content: fall back to hashing the raw bytes.
		sum := sha256.Sum256(r.Data)
		return hex.EncodeToString(sum[:])
	}
	delete(doc, "updated_at")
	normalized, err := json.Marshal(doc)
	if err != nil {
		sum := sha256.Sum256(r.Data)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Student is a tutoring student roster entry.
type Student struct {
	ID        UUID   `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	GroupID   UUID   `json:"group_id,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Group is a tutoring group.
type Group struct {
	ID        UUID   `json:"id"`
	Name      string `json:"name"`
	Subject   string `json:"subject,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Session is one scheduled or held lesson.
type Session struct {
	ID          UUID   `json:"id"`
	GroupID     UUID   `json:"group_id,omitempty"`
	StudentID   UUID   `json:"student_id,omitempty"`
	StartsAt    int64  `json:"starts_at"`
	DurationMin int    `json:"duration_min"`
	Topic       string `json:"topic,omitempty"`
	Attended    bool   `json:"attended"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Payment records money received for lessons.
type Payment struct {
	ID        UUID   `json:"id"`
	StudentID UUID   `json:"student_id"`
	Amount    int64  `json:"amount"` // minor currency units
	PaidAt    int64  `json:"paid_at"`
	Method    string `json:"method,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Note is a free-form note attached to a student.
type Note struct {
	ID        UUID   `json:"id"`
	StudentID UUID   `json:"student_id"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updated_at"`
}
