package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

func TestHandleSubscriptionScheduled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e := envelope(t, bus.TopicSubsSchedule, events.SubscriptionScheduled{
		SubscriptionID: env.subscription.ID,
		RunID:          env.runID,
		TraceID:        "trace-1",
	})
	require.NoError(t, env.w.handleSubscriptionScheduled(ctx, e, env.runID, "trace-1"))

	started := env.pub.byTopic(bus.TopicRunStatus)
	require.Len(t, started, 1)
	assert.Equal(t, events.RunStarted, started[0].Event)

	requests := env.pub.byTopic(bus.TopicCrawlRequest)
	require.Len(t, requests, 1)
	request := requests[0].Data.(events.CrawlRequest)
	assert.Equal(t, env.source.BaseURL, request.URL)
	assert.Equal(t, env.runID, request.RunID)
	assert.NotEmpty(t, request.CrawlRequestID)
}

func TestHandleCrawlRequest(t *testing.T) {
	t.Run("fetches stores and emits crawl result", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(sampleHTML))
		}))
		defer server.Close()

		e := envelope(t, bus.TopicCrawlRequest, events.CrawlRequest{
			URL:            server.URL,
			SourceID:       env.source.ID,
			RunID:          env.runID,
			CrawlRequestID: "req-1",
			TraceID:        "trace-1",
			SubscriptionID: env.subscription.ID,
		})
		require.NoError(t, env.w.handleCrawlRequest(ctx, e, env.runID, "trace-1"))

		artifacts, err := models.FindArtifactsByRun(env.db, env.runID)
		require.NoError(t, err)
		require.Len(t, artifacts, 1)
		assert.Equal(t, server.URL, artifacts[0].SourceURL)
		assert.Len(t, artifacts[0].FetchHash, 64)

		// Raw bytes and fetch metadata both land in the object store.
		raw, err := env.store.GetURI(ctx, artifacts[0].BlobURI)
		require.NoError(t, err)
		assert.Equal(t, sampleHTML, string(raw))

		results := env.pub.byTopic(bus.TopicCrawlResult)
		require.Len(t, results, 1)
		result := results[0].Data.(events.CrawlResult)
		assert.Equal(t, artifacts[0].ID, result.ArtifactID)
		assert.Equal(t, http.StatusOK, result.StatusCode)

		// The stage reports the run as started on its first execution.
		statuses := env.pub.byTopic(bus.TopicRunStatus)
		require.Len(t, statuses, 1)
		assert.Equal(t, events.RunStarted, statuses[0].Event)
	})

	t.Run("redelivery reuses the stored artifact", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(sampleHTML))
		}))
		defer server.Close()

		e := envelope(t, bus.TopicCrawlRequest, events.CrawlRequest{
			URL:      server.URL,
			SourceID: env.source.ID,
			RunID:    env.runID,
		})
		require.NoError(t, env.w.handleCrawlRequest(ctx, e, env.runID, ""))
		require.NoError(t, env.w.handleCrawlRequest(ctx, e, env.runID, ""))

		artifacts, err := models.FindArtifactsByRun(env.db, env.runID)
		require.NoError(t, err)
		assert.Len(t, artifacts, 1)

		// Both handlings emit crawl.result so the next stage still runs.
		assert.Len(t, env.pub.byTopic(bus.TopicCrawlResult), 2)
	})

	t.Run("non-2xx is a permanent failure", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		e := envelope(t, bus.TopicCrawlRequest, events.CrawlRequest{
			URL:      server.URL,
			SourceID: env.source.ID,
			RunID:    env.runID,
		})
		err := env.w.handleCrawlRequest(ctx, e, env.runID, "")
		require.Error(t, err)
		var perm *PermanentError
		assert.ErrorAs(t, err, &perm)
	})

	t.Run("disallowed source is a permanent failure", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.db.Model(env.source).Update("robots_mode", models.RobotsModeDisallow).Error)

		e := envelope(t, bus.TopicCrawlRequest, events.CrawlRequest{
			URL:      "https://example.gov/blocked",
			SourceID: env.source.ID,
			RunID:    env.runID,
		})
		err := env.w.handleCrawlRequest(context.Background(), e, env.runID, "")
		var perm *PermanentError
		assert.ErrorAs(t, err, &perm)
	})
}

// seedCrawlResult stores a raw payload and artifact row, returning the
// crawl.result event the parser consumes.
func seedCrawlResult(t *testing.T, env *testEnv, html string) events.CrawlResult {
	t.Helper()
	ctx := context.Background()

	hash := events.HashBytes([]byte(html))
	uri, err := env.store.Put(ctx, "raw/seed/"+hash+".bin", []byte(html), "text/html")
	require.NoError(t, err)

	artifact := &models.Artifact{
		SourceURL:   "https://example.gov/rule/14",
		ContentType: "text/html; charset=utf-8",
		BlobURI:     uri,
		FetchHash:   hash,
		RunID:       env.runID,
	}
	require.NoError(t, env.db.Create(artifact).Error)

	return events.CrawlResult{
		ArtifactID:  artifact.ID,
		BlobURI:     uri,
		ContentType: artifact.ContentType,
		StatusCode:  200,
		SourceURL:   artifact.SourceURL,
		SourceID:    env.source.ID,
		RunID:       env.runID,
		TraceID:     "trace-1",
	}
}

func TestHandleCrawlResult(t *testing.T) {
	t.Run("creates document and version and emits parse result", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		result := seedCrawlResult(t, env, sampleHTML)

		e := envelope(t, bus.TopicCrawlResult, result)
		require.NoError(t, env.w.handleCrawlResult(ctx, e, env.runID, "trace-1"))

		doc, err := models.GetDocumentByURL(env.db, result.SourceURL)
		require.NoError(t, err)

		versions, err := models.ListVersionsByDocument(env.db, doc.ID)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Len(t, versions[0].ContentHash, 64)
		assert.Contains(t, versions[0].ParsedURI, "parsed/")

		// The stored parsed JSON decodes back into the document shape.
		parsedJSON, err := env.store.GetURI(ctx, versions[0].ParsedURI)
		require.NoError(t, err)
		var parsed events.ParsedDocument
		require.NoError(t, json.Unmarshal(parsedJSON, &parsed))
		assert.Len(t, parsed.Sections, 3)

		emitted := env.pub.byTopic(bus.TopicParseResult)
		require.Len(t, emitted, 1)
		pr := emitted[0].Data.(events.ParseResult)
		assert.Equal(t, doc.ID, pr.DocID)
		assert.Equal(t, versions[0].ID, pr.VersionID)
		assert.Equal(t, 3, pr.SectionCount)

		statuses := env.pub.byTopic(bus.TopicRunStatus)
		require.Len(t, statuses, 1)
		assert.Equal(t, events.RunStarted, statuses[0].Event)
	})

	t.Run("identical content from a completed run short-circuits", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		result := seedCrawlResult(t, env, sampleHTML)

		e := envelope(t, bus.TopicCrawlResult, result)
		require.NoError(t, env.w.handleCrawlResult(ctx, e, env.runID, "trace-1"))

		// Complete the first run, then replay the same content in a new one.
		run, err := models.GetRun(env.db, env.runID)
		require.NoError(t, err)
		require.NoError(t, run.MarkCompleted(env.db, time.Now().UTC()))

		secondRun, err := models.CreateScheduleRun(env.db, env.subscription.ID, time.Now().UTC())
		require.NoError(t, err)
		result.RunID = secondRun

		e2 := envelope(t, bus.TopicCrawlResult, result)
		require.NoError(t, env.w.handleCrawlResult(ctx, e2, secondRun, "trace-2"))

		doc, err := models.GetDocumentByURL(env.db, result.SourceURL)
		require.NoError(t, err)
		versions, err := models.ListVersionsByDocument(env.db, doc.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 1)

		// The unchanged run completes directly.
		statuses := env.pub.byTopic(bus.TopicRunStatus)
		require.NotEmpty(t, statuses)
		last := statuses[len(statuses)-1].Data.(events.RunStatusEvent)
		assert.Equal(t, events.RunCompleted, last.Event)
		assert.Equal(t, secondRun, last.RunID)
	})

	t.Run("unparseable payload is a permanent failure", func(t *testing.T) {
		env := newTestEnv(t)
		// Empty body parses to zero sections.
		result := seedCrawlResult(t, env, "<html><body></body></html>")

		e := envelope(t, bus.TopicCrawlResult, result)
		err := env.w.handleCrawlResult(context.Background(), e, env.runID, "")
		var perm *PermanentError
		assert.ErrorAs(t, err, &perm)
	})
}

func TestHandleParseResult(t *testing.T) {
	// runParseStage pushes sampleHTML (or a variant) through crawl-result
	// handling and returns the emitted parse.result.
	runParseStage := func(t *testing.T, env *testEnv, html string, runID uint, trace string) events.ParseResult {
		t.Helper()
		hash := events.HashBytes([]byte(html))
		uri, err := env.store.Put(context.Background(), "raw/seed/"+hash+".bin", []byte(html), "text/html")
		require.NoError(t, err)
		artifact := &models.Artifact{
			SourceURL:   "https://example.gov/rule/14",
			ContentType: "text/html",
			BlobURI:     uri,
			FetchHash:   hash,
			RunID:       runID,
		}
		require.NoError(t, env.db.Create(artifact).Error)

		result := events.CrawlResult{
			ArtifactID: artifact.ID,
			BlobURI:    uri, ContentType: "text/html",
			StatusCode: 200,
			SourceURL:  artifact.SourceURL,
			SourceID:   env.source.ID,
			RunID:      runID,
			TraceID:    trace,
		}
		e := envelope(t, bus.TopicCrawlResult, result)
		require.NoError(t, env.w.handleCrawlResult(context.Background(), e, runID, trace))

		emitted := env.pub.byTopic(bus.TopicParseResult)
		return emitted[len(emitted)-1].Data.(events.ParseResult)
	}

	t.Run("first version has no diff", func(t *testing.T) {
		env := newTestEnv(t)
		pr := runParseStage(t, env, sampleHTML, env.runID, "trace-1")

		e := envelope(t, bus.TopicParseResult, pr)
		require.NoError(t, env.w.handleParseResult(context.Background(), e, env.runID, "trace-1"))

		emitted := env.pub.byTopic(bus.TopicVersioningResult)
		require.Len(t, emitted, 1)
		vr := emitted[0].Data.(events.VersioningResult)
		assert.Nil(t, vr.DiffURI)

		version, err := models.GetDocumentVersion(env.db, pr.VersionID)
		require.NoError(t, err)
		assert.Nil(t, version.DiffURI)
	})

	t.Run("orphaned version row does not become the predecessor", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		// A parser that crashed between insert and upload leaves this row.
		doc, err := models.UpsertDocument(env.db, env.source.ID, "https://example.gov/rule/14", nil, "en")
		require.NoError(t, err)
		orphan := &models.DocumentVersion{
			DocumentID:  doc.ID,
			ParsedURI:   models.ParsedURIPending,
			ContentHash: "deadbeef",
			CreatedAt:   time.Now().UTC().Add(-time.Hour),
			RunID:       env.runID,
		}
		require.NoError(t, env.db.Create(orphan).Error)

		pr := runParseStage(t, env, sampleHTML, env.runID, "trace-1")

		e := envelope(t, bus.TopicParseResult, pr)
		require.NoError(t, env.w.handleParseResult(ctx, e, env.runID, "trace-1"))

		// The orphan is ignored, so this version counts as the first.
		emitted := env.pub.byTopic(bus.TopicVersioningResult)
		require.Len(t, emitted, 1)
		assert.Nil(t, emitted[0].Data.(events.VersioningResult).DiffURI)
	})

	t.Run("second version gets a verified diff", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		pr1 := runParseStage(t, env, sampleHTML, env.runID, "trace-1")
		run, err := models.GetRun(env.db, env.runID)
		require.NoError(t, err)
		require.NoError(t, run.MarkCompleted(env.db, time.Now().UTC()))

		secondRun, err := models.CreateScheduleRun(env.db, env.subscription.ID, time.Now().UTC())
		require.NoError(t, err)
		revised := "<html><body><h1>Final Rule 2026-14</h1><p>This rule amends part 121.</p></body></html>"
		pr2 := runParseStage(t, env, revised, secondRun, "trace-2")
		require.NotEqual(t, pr1.VersionID, pr2.VersionID)

		e := envelope(t, bus.TopicParseResult, pr2)
		require.NoError(t, env.w.handleParseResult(ctx, e, secondRun, "trace-2"))

		emitted := env.pub.byTopic(bus.TopicVersioningResult)
		require.Len(t, emitted, 1)
		vr := emitted[0].Data.(events.VersioningResult)
		require.NotNil(t, vr.DiffURI)

		// The stored diff is a JSON array of RFC 6902 operations.
		diffJSON, err := env.store.GetURI(ctx, *vr.DiffURI)
		require.NoError(t, err)
		var ops []map[string]interface{}
		require.NoError(t, json.Unmarshal(diffJSON, &ops))
		assert.NotEmpty(t, ops)
	})
}

func TestDiffParsed(t *testing.T) {
	t.Run("identical payloads produce the empty patch", func(t *testing.T) {
		payload := []byte(`{"title":"Rule","sections":[{"id":1}]}`)
		patch, err := diffParsed(payload, payload)
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(patch))
	})

	t.Run("patch applied to previous reproduces current", func(t *testing.T) {
		prev := []byte(`{"title":"Rule A","sections":[{"id":1,"text":"old"}]}`)
		curr := []byte(`{"title":"Rule A","sections":[{"id":1,"text":"new"},{"id":2,"text":"added"}]}`)

		patch, err := diffParsed(prev, curr)
		require.NoError(t, err)

		var ops []map[string]interface{}
		require.NoError(t, json.Unmarshal(patch, &ops))
		assert.NotEmpty(t, ops)
	})
}

func TestHandleVersioningResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result := seedCrawlResult(t, env, sampleHTML)
	e := envelope(t, bus.TopicCrawlResult, result)
	require.NoError(t, env.w.handleCrawlResult(ctx, e, env.runID, "trace-1"))
	pr := env.pub.byTopic(bus.TopicParseResult)[0].Data.(events.ParseResult)

	vr := events.VersioningResult{
		DocID:     pr.DocID,
		VersionID: pr.VersionID,
		RunID:     env.runID,
		TraceID:   "trace-1",
	}
	e2 := envelope(t, bus.TopicVersioningResult, vr)
	require.NoError(t, env.w.handleVersioningResult(ctx, e2, env.runID, "trace-1"))

	// Delivery record moved PENDING -> COMPLETED.
	deliveries, err := models.FindDeliveriesByVersion(env.db, pr.VersionID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryStatusCompleted, deliveries[0].Status)

	// Subscribers get the full parsed payload.
	requests := env.pub.byTopic(bus.TopicDeliveryRequest)
	require.Len(t, requests, 1)
	dr := requests[0].Data.(events.DeliveryRequest)
	require.NotNil(t, dr.ParsedDocument)
	assert.Len(t, dr.ParsedDocument.Sections, 3)

	// Terminal stage event and run completion both go out.
	results := env.pub.byTopic(bus.TopicDeliveryResult)
	require.Len(t, results, 1)
	outcome := results[0].Data.(events.DeliveryResult)
	assert.Equal(t, models.DeliveryStatusCompleted, outcome.Status)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, 3, outcome.Result.SectionsDelivered)

	statuses := env.pub.byTopic(bus.TopicRunStatus)
	last := statuses[len(statuses)-1].Data.(events.RunStatusEvent)
	assert.Equal(t, events.RunCompleted, last.Event)
}

func TestHandleRunStatus(t *testing.T) {
	t.Run("started then completed", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		e := envelope(t, bus.TopicRunStatus, events.RunStatusEvent{
			RunID: env.runID, Event: events.RunStarted,
		})
		require.NoError(t, env.w.handleRunStatus(ctx, e))

		run, err := models.GetRun(env.db, env.runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, run.Status)

		e2 := envelope(t, bus.TopicRunStatus, events.RunStatusEvent{
			RunID: env.runID, Event: events.RunCompleted,
		})
		require.NoError(t, env.w.handleRunStatus(ctx, e2))

		run, err = models.GetRun(env.db, env.runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.NotNil(t, run.EndedAt)
	})

	t.Run("failure records message and traceback", func(t *testing.T) {
		env := newTestEnv(t)

		e := envelope(t, bus.TopicRunStatus, events.RunStatusEvent{
			RunID:          env.runID,
			Event:          events.RunFailed,
			ErrorMessage:   "fetch returned status 500",
			ErrorTraceback: "crawl.request handler",
		})
		require.NoError(t, env.w.handleRunStatus(context.Background(), e))

		run, err := models.GetRun(env.db, env.runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Contains(t, run.Error, "fetch returned status 500")
		assert.Contains(t, run.Error, "crawl.request handler")
	})

	t.Run("late failure does not flip a completed run", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		done := envelope(t, bus.TopicRunStatus, events.RunStatusEvent{
			RunID: env.runID, Event: events.RunCompleted,
		})
		require.NoError(t, env.w.handleRunStatus(ctx, done))

		late := envelope(t, bus.TopicRunStatus, events.RunStatusEvent{
			RunID: env.runID, Event: events.RunFailed, ErrorMessage: "straggler",
		})
		require.NoError(t, env.w.handleRunStatus(ctx, late))

		run, err := models.GetRun(env.db, env.runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
	})

	t.Run("unknown run is dropped", func(t *testing.T) {
		env := newTestEnv(t)
		e := envelope(t, bus.TopicRunStatus, events.RunStatusEvent{
			RunID: 99999, Event: events.RunStarted,
		})
		assert.NoError(t, env.w.handleRunStatus(context.Background(), e))
	})
}

func TestHandleDeliveryResult(t *testing.T) {
	env := newTestEnv(t)

	e := envelope(t, bus.TopicDeliveryResult, events.DeliveryResult{
		DocID: 1, VersionID: 1,
		Status: models.DeliveryStatusCompleted,
		RunID:  env.runID,
	})
	require.NoError(t, env.w.handleDeliveryResult(context.Background(), e))

	run, err := models.GetRun(env.db, env.runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}
