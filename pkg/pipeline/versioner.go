package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// handleParseResult computes the RFC 6902 patch from the previous version's
// parsed JSON to the new one, stores it and emits versioning.result. The
// first version of a document carries no diff.
//
// Every generated patch is applied back to the previous payload and checked
// against the new one before it is stored; a patch that does not reproduce
// the new version is a bug, not a deliverable.
func (w *Worker) handleParseResult(ctx context.Context, env *bus.Envelope, runID uint, traceID string) error {
	var result events.ParseResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return Permanent(fmt.Errorf("malformed parse result: %w", err))
	}

	if err := w.emitRunStarted(ctx, runID, traceID); err != nil {
		return err
	}

	version, err := models.GetDocumentVersion(w.db, result.VersionID)
	if err != nil {
		return Permanent(fmt.Errorf("version %d not found: %w", result.VersionID, err))
	}

	prev, err := models.FindPreviousVersion(w.db, version)
	if err != nil {
		return err
	}

	event := events.VersioningResult{
		DocID:     result.DocID,
		VersionID: version.ID,
		RunID:     runID,
		TraceID:   traceID,
	}

	if prev == nil {
		w.logger.Info("first version, no diff",
			"document_id", result.DocID,
			"version_id", version.ID,
			"run_id", runID,
		)
		return w.publisher.Publish(ctx, bus.TopicVersioningResult, runKey(runID), bus.TopicVersioningResult, event)
	}

	if version.DiffURI != nil {
		// Redelivery after the diff was already stored.
		event.DiffURI = version.DiffURI
		return w.publisher.Publish(ctx, bus.TopicVersioningResult, runKey(runID), bus.TopicVersioningResult, event)
	}

	prevJSON, err := w.store.GetURI(ctx, prev.ParsedURI)
	if err != nil {
		return fmt.Errorf("failed to fetch previous parsed payload: %w", err)
	}
	currJSON, err := w.store.GetURI(ctx, version.ParsedURI)
	if err != nil {
		return fmt.Errorf("failed to fetch current parsed payload: %w", err)
	}

	patchJSON, err := diffParsed(prevJSON, currJSON)
	if err != nil {
		return Permanent(err)
	}

	diffURI, err := w.store.Put(ctx, blobstore.DiffKey(result.DocID, version.ID), patchJSON, "application/json")
	if err != nil {
		return fmt.Errorf("failed to store diff: %w", err)
	}
	if err := version.SetDiffURI(w.db, diffURI); err != nil {
		return err
	}

	w.logger.Info("versioned document",
		"document_id", result.DocID,
		"version_id", version.ID,
		"previous_version_id", prev.ID,
		"run_id", runID,
	)

	event.DiffURI = &diffURI
	return w.publisher.Publish(ctx, bus.TopicVersioningResult, runKey(runID), bus.TopicVersioningResult, event)
}

// diffParsed generates the RFC 6902 patch from prev to curr and verifies it
// round-trips. Identical payloads produce the empty patch [].
func diffParsed(prevJSON, currJSON []byte) ([]byte, error) {
	patch, err := jsondiff.CompareJSON(prevJSON, currJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to generate diff: %w", err)
	}
	if patch == nil {
		return []byte("[]"), nil
	}

	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff: %w", err)
	}

	decoded, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("generated diff is not a valid patch: %w", err)
	}
	applied, err := decoded.Apply(prevJSON)
	if err != nil {
		return nil, fmt.Errorf("generated diff does not apply: %w", err)
	}
	if !jsonEqual(applied, currJSON) {
		return nil, fmt.Errorf("generated diff does not reproduce the new version")
	}
	return patchJSON, nil
}

// jsonEqual compares two JSON payloads structurally.
func jsonEqual(a, b []byte) bool {
	ca, errA := canonicalBytes(a)
	cb, errB := canonicalBytes(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func canonicalBytes(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return events.CanonicalJSON(v)
}
