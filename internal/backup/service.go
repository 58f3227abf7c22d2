// Package backup exports and imports a portable snapshot of the local
// replica. The snapshot covers students, groups, sessions and payments;
// notes are device-local annotations and stay out of the document.
package backup

import (
	"encoding/json"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/store"
)

// DocumentVersion is the snapshot format version.
const DocumentVersion = "1.0"

// Document is the backup snapshot format.
type Document struct {
	Version   string           `json:"version"`
	Timestamp int64            `json:"timestamp"`
	Students  []*models.Record `json:"students"`
	Groups    []*models.Record `json:"groups"`
	Sessions  []*models.Record `json:"sessions"`
	Payments  []*models.Record `json:"payments"`
}

// Service builds and restores backup documents against the repository.
type Service struct {
	repo *store.Repository
}

// NewService creates a backup Service.
func NewService(repo *store.Repository) *Service {
	return &Service{repo: repo}
}

// Export builds a snapshot of the current replica contents.
func (s *Service) Export() (*Document, error) {
	doc := &Document{
		Version:   DocumentVersion,
		Timestamp: time.Now().UnixMilli(),
	}

	var err error
	if doc.Students, err = s.repo.ListRecords(models.EntityStudents); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "reading students", err)
	}
	if doc.Groups, err = s.repo.ListRecords(models.EntityGroups); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "reading groups", err)
	}
	if doc.Sessions, err = s.repo.ListRecords(models.EntitySessions); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "reading sessions", err)
	}
	if doc.Payments, err = s.repo.ListRecords(models.EntityPayments); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "reading payments", err)
	}

	logging.Info("Backup exported", map[string]interface{}{
		"students": len(doc.Students),
		"groups":   len(doc.Groups),
		"sessions": len(doc.Sessions),
		"payments": len(doc.Payments),
	})
	return doc, nil
}

// ExportJSON builds a snapshot and returns it serialized.
func (s *Service) ExportJSON() ([]byte, error) {
	doc, err := s.Export()
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "serializing document", err)
	}
	return data, nil
}

// Import replaces the covered entity tables with the document's contents.
// Validation fails closed: a document without a version or timestamp is
// rejected before anything is touched. Collections absent from the
// document clear the corresponding table.
func (s *Service) Import(doc *Document) error {
	if doc == nil {
		return errors.New(errors.ErrImportInvalid, "empty document")
	}
	if doc.Version == "" {
		return errors.New(errors.ErrImportInvalid, "document missing version")
	}
	if doc.Timestamp == 0 {
		return errors.New(errors.ErrImportInvalid, "document missing timestamp")
	}

	if err := s.repo.ReplaceRecords(models.EntityStudents, doc.Students); err != nil {
		return errors.Wrap(errors.ErrImportFailed, "restoring students", err)
	}
	if err := s.repo.ReplaceRecords(models.EntityGroups, doc.Groups); err != nil {
		return errors.Wrap(errors.ErrImportFailed, "restoring groups", err)
	}
	if err := s.repo.ReplaceRecords(models.EntitySessions, doc.Sessions); err != nil {
		return errors.Wrap(errors.ErrImportFailed, "restoring sessions", err)
	}
	if err := s.repo.ReplaceRecords(models.EntityPayments, doc.Payments); err != nil {
		return errors.Wrap(errors.ErrImportFailed, "restoring payments", err)
	}

	logging.Info("Backup imported", map[string]interface{}{
		"version":  doc.Version,
		"students": len(doc.Students),
		"groups":   len(doc.Groups),
		"sessions": len(doc.Sessions),
		"payments": len(doc.Payments),
	})
	return nil
}

// ImportJSON parses a serialized snapshot and imports it.
func (s *Service) ImportJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(errors.ErrImportInvalid, "parsing document", err)
	}
	return s.Import(&doc)
}
