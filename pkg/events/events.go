// Package events declares the payload shape of every bus topic. Each topic
// has exactly one payload type; consumers decode the envelope data into the
// type for their input topic and tolerate unknown fields.
package events

// RunStatus event names carried on the run.status topic.
const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
)

// SubscriptionScheduled is the payload of subs.schedule, written to the
// outbox by the scheduler tick.
type SubscriptionScheduled struct {
	SubscriptionID uint   `json:"subscription_id"`
	RunID          uint   `json:"run_id"`
	TraceID        string `json:"trace_id,omitempty"`
}

// CrawlRequest is the payload of crawl.request.
type CrawlRequest struct {
	URL            string `json:"url"`
	SourceID       uint   `json:"source_id"`
	RunID          uint   `json:"run_id"`
	CrawlRequestID string `json:"crawl_request_id"`
	TraceID        string `json:"trace_id"`
	SubscriptionID uint   `json:"subscription_id"`
}

// CrawlResult is the payload of crawl.result.
type CrawlResult struct {
	ArtifactID  uint              `json:"artifact_id"`
	BlobURI     string            `json:"blob_uri"`
	ContentType string            `json:"content_type"`
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	SourceURL   string            `json:"source_url"`
	SourceID    uint              `json:"source_id"`
	RunID       uint              `json:"run_id"`
	TraceID     string            `json:"trace_id"`
}

// ParseResult is the payload of parse.result.
type ParseResult struct {
	DocID        uint   `json:"doc_id"`
	VersionID    uint   `json:"version_id"`
	ParsedURI    string `json:"parsed_uri"`
	SectionCount int    `json:"section_count"`
	SourceURL    string `json:"source_url"`
	RunID        uint   `json:"run_id"`
	TraceID      string `json:"trace_id"`
}

// VersioningResult is the payload of versioning.result. DiffURI is nil for
// a document's first version.
type VersioningResult struct {
	DocID     uint    `json:"doc_id"`
	VersionID uint    `json:"version_id"`
	DiffURI   *string `json:"diff_uri,omitempty"`
	RunID     uint    `json:"run_id"`
	TraceID   string  `json:"trace_id"`
}

// DeliveryRequest is the payload published on delivery.request for
// downstream subscribers. They dedupe by content hash.
type DeliveryRequest struct {
	DocID          uint            `json:"doc_id"`
	VersionID      uint            `json:"version_id"`
	ParsedDocument *ParsedDocument `json:"parsed_document"`
	RunID          uint            `json:"run_id"`
	TraceID        string          `json:"trace_id"`
}

// DeliveryOutcome summarizes what was handed downstream.
type DeliveryOutcome struct {
	DeliveryEventID   uint `json:"delivery_event_id"`
	SectionsDelivered int  `json:"sections_delivered"`
}

// DeliveryResult is the payload of delivery.result, the terminal stage
// event of a run.
type DeliveryResult struct {
	DocID     uint             `json:"doc_id"`
	VersionID uint             `json:"version_id"`
	Status    string           `json:"status"`
	Result    *DeliveryOutcome `json:"result,omitempty"`
	RunID     uint             `json:"run_id"`
	TraceID   string           `json:"trace_id"`
}

// RunStatusEvent is the payload of every run.status lifecycle event.
type RunStatusEvent struct {
	RunID          uint                   `json:"run_id"`
	TraceID        string                 `json:"trace_id"`
	Event          string                 `json:"event"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ErrorTraceback string                 `json:"error_traceback,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
}
