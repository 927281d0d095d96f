// Package audit reconstructs the full processing history of a document
// from the durable records the pipeline leaves behind: versions, runs,
// artifacts, outbox entries and delivery events.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/regwatch-io/regwatch/pkg/models"
)

// Event is one normalized entry of an audit trail. All timestamps are UTC.
type Event struct {
	EventType string    `json:"event_type"`
	EventID   uint      `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`

	RunID   uint   `json:"run_id,omitempty"`
	RunKind string `json:"run_kind,omitempty"`

	ArtifactIDs  []uint   `json:"artifact_ids,omitempty"`
	ArtifactURIs []string `json:"artifact_uris,omitempty"`

	VersionID   uint    `json:"version_id,omitempty"`
	ParsedURI   string  `json:"parsed_uri,omitempty"`
	DiffURI     *string `json:"diff_uri,omitempty"`
	ContentHash string  `json:"content_hash,omitempty"`

	Error string `json:"error,omitempty"`
}

// Event type names in a reconstructed trail.
const (
	EventTypeRun      = "run"
	EventTypeOutbox   = "outbox"
	EventTypeVersion  = "version"
	EventTypeDelivery = "delivery"
)

// Trail is the reconstructed history of one document.
type Trail struct {
	DocumentID uint    `json:"document_id"`
	SourceURL  string  `json:"source_url"`
	Events     []Event `json:"events"`
}

// Service reconstructs audit trails.
type Service struct {
	db     *gorm.DB
	logger hclog.Logger
}

// New creates the audit service.
func New(db *gorm.DB, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{db: db, logger: logger.Named("audit")}
}

// Reconstruct builds the trail for a document, walking every version back
// through its run to the artifacts, outbox entries and deliveries that run
// produced. Lookup failures for one version do not abort the others; the
// partial trail is returned together with the accumulated errors.
func (s *Service) Reconstruct(documentID uint) (*Trail, error) {
	doc, err := models.GetDocument(s.db, documentID)
	if err != nil {
		return nil, fmt.Errorf("document %d not found: %w", documentID, err)
	}

	versions, err := models.ListVersionsByDocument(s.db, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for document %d: %w", doc.ID, err)
	}

	trail := &Trail{
		DocumentID: doc.ID,
		SourceURL:  doc.SourceURL,
	}

	var errs *multierror.Error
	seenRuns := make(map[uint]bool)

	for i := range versions {
		events, err := s.versionEvents(&versions[i], seenRuns)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		trail.Events = append(trail.Events, events...)
	}

	sort.SliceStable(trail.Events, func(i, j int) bool {
		return trail.Events[i].Timestamp.Before(trail.Events[j].Timestamp)
	})

	return trail, errs.ErrorOrNil()
}

// ReconstructVersion builds the trail scoped to one version of a document:
// that version's event, its run (with artifacts and outbox entries) and its
// deliveries.
func (s *Service) ReconstructVersion(documentID, versionID uint) (*Trail, error) {
	doc, err := models.GetDocument(s.db, documentID)
	if err != nil {
		return nil, fmt.Errorf("document %d not found: %w", documentID, err)
	}

	version, err := models.GetDocumentVersion(s.db, versionID)
	if err != nil {
		return nil, fmt.Errorf("version %d not found: %w", versionID, err)
	}
	if version.DocumentID != doc.ID {
		return nil, fmt.Errorf("version %d does not belong to document %d", versionID, documentID)
	}

	trail := &Trail{
		DocumentID: doc.ID,
		SourceURL:  doc.SourceURL,
	}

	var errs *multierror.Error
	events, err := s.versionEvents(version, make(map[uint]bool))
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	trail.Events = events

	sort.SliceStable(trail.Events, func(i, j int) bool {
		return trail.Events[i].Timestamp.Before(trail.Events[j].Timestamp)
	})

	return trail, errs.ErrorOrNil()
}

// versionEvents materializes one version's event plus its run (once per
// run id across the trail) and delivery events.
func (s *Service) versionEvents(version *models.DocumentVersion, seenRuns map[uint]bool) ([]Event, error) {
	var errs *multierror.Error

	out := []Event{{
		EventType:   EventTypeVersion,
		EventID:     version.ID,
		Timestamp:   version.CreatedAt.UTC(),
		RunID:       version.RunID,
		VersionID:   version.ID,
		ParsedURI:   version.ParsedURI,
		DiffURI:     version.DiffURI,
		ContentHash: version.ContentHash,
	}}

	if !seenRuns[version.RunID] {
		seenRuns[version.RunID] = true
		runEvents, err := s.runEvents(version.RunID)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		out = append(out, runEvents...)
	}

	deliveries, err := models.FindDeliveriesByVersion(s.db, version.ID)
	if err != nil {
		errs = multierror.Append(errs,
			fmt.Errorf("failed to load deliveries for version %d: %w", version.ID, err))
	}
	for j := range deliveries {
		d := &deliveries[j]
		event := Event{
			EventType: EventTypeDelivery,
			EventID:   d.ID,
			Timestamp: d.UpdatedAt.UTC(),
			Status:    d.Status,
			RunID:     version.RunID,
			VersionID: d.DocVersionID,
		}
		if d.ErrorMessage != nil {
			event.Error = *d.ErrorMessage
		}
		out = append(out, event)
	}

	return out, errs.ErrorOrNil()
}

// runEvents materializes the run itself, its artifacts and its outbox
// entries as trail events.
func (s *Service) runEvents(runID uint) ([]Event, error) {
	var errs *multierror.Error
	var out []Event

	run, err := models.GetRun(s.db, runID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to load run %d: %w", runID, err))
	} else {
		event := Event{
			EventType: EventTypeRun,
			EventID:   run.ID,
			Timestamp: run.StartedAt.UTC(),
			Status:    run.Status,
			RunID:     run.ID,
			RunKind:   run.RunKind,
			Error:     run.Error,
		}

		artifacts, err := models.FindArtifactsByRun(s.db, runID)
		if err != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("failed to load artifacts for run %d: %w", runID, err))
		}
		for i := range artifacts {
			event.ArtifactIDs = append(event.ArtifactIDs, artifacts[i].ID)
			event.ArtifactURIs = append(event.ArtifactURIs, artifacts[i].BlobURI)
		}
		out = append(out, event)
	}

	entries, err := models.FindOutboxByRunID(s.db, runID)
	if err != nil {
		errs = multierror.Append(errs,
			fmt.Errorf("failed to load outbox entries for run %d: %w", runID, err))
	}
	for i := range entries {
		e := &entries[i]
		ts := e.CreatedAt
		if e.PublishedAt != nil {
			ts = *e.PublishedAt
		}
		out = append(out, Event{
			EventType: EventTypeOutbox,
			EventID:   e.ID,
			Timestamp: ts.UTC(),
			Status:    e.Status,
			RunID:     runID,
		})
	}

	return out, errs.ErrorOrNil()
}
