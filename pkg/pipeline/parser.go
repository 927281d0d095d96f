package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// handleCrawlResult normalizes a fetched artifact into a parsed document,
// upserts the document identity, creates a new version and emits
// parse.result.
//
// Content dedupe: when the document already has a version with the same
// content hash from a completed run, no new version is created and the run
// completes immediately as unchanged.
func (w *Worker) handleCrawlResult(ctx context.Context, env *bus.Envelope, runID uint, traceID string) error {
	var result events.CrawlResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return Permanent(fmt.Errorf("malformed crawl result: %w", err))
	}

	if err := w.emitRunStarted(ctx, runID, traceID); err != nil {
		return err
	}

	raw, err := w.store.GetURI(ctx, result.BlobURI)
	if err != nil {
		return fmt.Errorf("failed to fetch raw payload %s: %w", result.BlobURI, err)
	}

	parsed, err := ParseHTML(raw, result.ContentType, result.SourceURL)
	if err != nil {
		return Permanent(fmt.Errorf("failed to parse artifact %d: %w", result.ArtifactID, err))
	}
	if len(parsed.Sections) == 0 {
		return Permanent(fmt.Errorf("artifact %d produced no sections", result.ArtifactID))
	}

	contentHash, err := events.ContentHash(parsed)
	if err != nil {
		return Permanent(err)
	}

	doc, err := models.UpsertDocument(w.db, result.SourceID, result.SourceURL, parsed.PublishedDate, parsed.Language)
	if err != nil {
		return fmt.Errorf("failed to upsert document for %s: %w", result.SourceURL, err)
	}

	existing, err := models.FindVersionByContentHash(w.db, doc.ID, contentHash)
	if err != nil {
		return err
	}
	if existing != nil {
		w.logger.Info("content unchanged, skipping version",
			"document_id", doc.ID,
			"existing_version_id", existing.ID,
			"run_id", runID,
		)
		return w.emitRunCompleted(ctx, runID, traceID, map[string]interface{}{
			"doc_id":     doc.ID,
			"version_id": existing.ID,
			"unchanged":  true,
		})
	}

	version := &models.DocumentVersion{
		DocumentID:  doc.ID,
		ParsedURI:   models.ParsedURIPending,
		ContentHash: contentHash,
		CreatedAt:   w.now(),
		RunID:       runID,
	}
	if err := w.db.Create(version).Error; err != nil {
		return fmt.Errorf("failed to create document version: %w", err)
	}

	parsedJSON, err := events.CanonicalJSON(parsed)
	if err != nil {
		return Permanent(err)
	}
	parsedURI, err := w.store.Put(ctx, blobstore.ParsedKey(doc.ID, version.ID), parsedJSON, "application/json")
	if err != nil {
		return fmt.Errorf("failed to store parsed document: %w", err)
	}
	if err := version.SetParsedURI(w.db, parsedURI); err != nil {
		return err
	}

	w.logger.Info("parsed document",
		"document_id", doc.ID,
		"version_id", version.ID,
		"sections", len(parsed.Sections),
		"run_id", runID,
	)

	event := events.ParseResult{
		DocID:        doc.ID,
		VersionID:    version.ID,
		ParsedURI:    parsedURI,
		SectionCount: len(parsed.Sections),
		SourceURL:    result.SourceURL,
		RunID:        runID,
		TraceID:      traceID,
	}
	return w.publisher.Publish(ctx, bus.TopicParseResult, runKey(runID), bus.TopicParseResult, event)
}
