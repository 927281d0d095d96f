package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// maxFetchBytes caps how much of a response body is read. Regulatory pages
// beyond this are truncated rather than exhausting worker memory.
const maxFetchBytes = 32 << 20

// sourceLimiters holds one token bucket per source, sized from the
// source's requests-per-minute budget.
type sourceLimiters struct {
	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
}

func newSourceLimiters() *sourceLimiters {
	return &sourceLimiters{limiters: make(map[uint]*rate.Limiter)}
}

// get returns the limiter for a source, creating it on first use.
func (s *sourceLimiters) get(sourceID uint, perMinute int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[sourceID]; ok {
		return l
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	l := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
	s.limiters[sourceID] = l
	return l
}

// rawMeta is the fetch metadata stored alongside the raw payload.
type rawMeta struct {
	SourceURL   string            `json:"source_url"`
	SourceID    uint              `json:"source_id"`
	RunID       uint              `json:"run_id"`
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers"`
	FetchHash   string            `json:"fetch_hash"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// handleCrawlRequest fetches the requested URL, stores the raw bytes and
// their metadata in the object store, records an Artifact row and emits
// crawl.result.
//
// Idempotent under redelivery: a second identical fetch for the same run
// hashes to the same bytes and reuses the existing artifact.
func (w *Worker) handleCrawlRequest(ctx context.Context, env *bus.Envelope, runID uint, traceID string) error {
	var request events.CrawlRequest
	if err := json.Unmarshal(env.Data, &request); err != nil {
		return Permanent(fmt.Errorf("malformed crawl request: %w", err))
	}
	if request.URL == "" {
		return Permanent(fmt.Errorf("crawl request has no url"))
	}

	if err := w.emitRunStarted(ctx, runID, traceID); err != nil {
		return err
	}

	src, err := models.GetSource(w.db, request.SourceID)
	if err != nil {
		return Permanent(fmt.Errorf("source %d not found: %w", request.SourceID, err))
	}
	if src.RobotsMode == models.RobotsModeDisallow {
		return Permanent(fmt.Errorf("source %d disallows crawling", src.ID))
	}

	if err := w.limiters.get(src.ID, src.RateLimit).Wait(ctx); err != nil {
		return err
	}

	body, statusCode, contentType, headers, err := w.fetch(ctx, request.URL)
	if err != nil {
		return err
	}
	if statusCode < 200 || statusCode >= 300 {
		return Permanent(fmt.Errorf("fetch of %s returned status %d", request.URL, statusCode))
	}

	fetchHash := events.HashBytes(body)
	fetchedAt := w.now()

	// Redelivered request for bytes this run already stored: reuse the
	// artifact instead of writing a duplicate.
	artifact, err := models.FindArtifactByRunAndHash(w.db, runID, fetchHash)
	if err != nil {
		return err
	}

	if artifact == nil {
		blobURI, err := w.store.Put(ctx, blobstore.RawKey(src.ID, fetchedAt, fetchHash), body, contentType)
		if err != nil {
			return fmt.Errorf("failed to store raw payload: %w", err)
		}

		meta := rawMeta{
			SourceURL:   request.URL,
			SourceID:    src.ID,
			RunID:       runID,
			StatusCode:  statusCode,
			ContentType: contentType,
			Headers:     headers,
			FetchHash:   fetchHash,
			FetchedAt:   fetchedAt,
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal fetch metadata: %w", err)
		}
		if _, err := w.store.Put(ctx, blobstore.RawMetaKey(fetchHash), metaJSON, "application/json"); err != nil {
			return fmt.Errorf("failed to store fetch metadata: %w", err)
		}

		artifact = &models.Artifact{
			SourceURL:   request.URL,
			ContentType: contentType,
			BlobURI:     blobURI,
			FetchHash:   fetchHash,
			FetchedAt:   fetchedAt,
			RunID:       runID,
		}
		if err := w.db.Create(artifact).Error; err != nil {
			return fmt.Errorf("failed to record artifact: %w", err)
		}

		w.logger.Info("crawled url",
			"url", request.URL,
			"run_id", runID,
			"artifact_id", artifact.ID,
			"bytes", len(body),
		)
	}

	result := events.CrawlResult{
		ArtifactID:  artifact.ID,
		BlobURI:     artifact.BlobURI,
		ContentType: artifact.ContentType,
		StatusCode:  statusCode,
		Headers:     headers,
		SourceURL:   request.URL,
		SourceID:    src.ID,
		RunID:       runID,
		TraceID:     traceID,
	}
	return w.publisher.Publish(ctx, bus.TopicCrawlResult, runKey(runID), bus.TopicCrawlResult, result)
}

// fetch performs the HTTP GET with retries on transient failures. Network
// errors and 5xx responses retry with exponential backoff inside the
// handler; a still-failing fetch is returned retryable so redelivery
// spreads further attempts over time.
func (w *Worker) fetch(ctx context.Context, url string) (body []byte, statusCode int, contentType string, headers map[string]string, err error) {
	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("User-Agent", w.userAgent)

		resp, doErr := w.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d from %s", resp.StatusCode, url)
		}

		body = data
		statusCode = resp.StatusCode
		contentType = resp.Header.Get("Content-Type")
		headers = make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, 0, "", nil, fmt.Errorf("fetch of %s failed: %w", url, err)
	}
	return body, statusCode, contentType, headers, nil
}
