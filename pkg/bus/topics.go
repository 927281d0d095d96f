package bus

// Topics that drive stage transitions. Every published message carries the
// envelope {"event": "<name>", "data": {...}}; consumers tolerate unknown
// fields inside data.
const (
	TopicSubsSchedule     = "subs.schedule"
	TopicCrawlRequest     = "crawl.request"
	TopicCrawlResult      = "crawl.result"
	TopicParseResult      = "parse.result"
	TopicVersioningResult = "versioning.result"
	TopicDeliveryRequest  = "delivery.request"
	TopicDeliveryResult   = "delivery.result"

	// TopicRunStatus carries run.started / run.completed / run.failed
	// lifecycle events for the run-status aggregator.
	TopicRunStatus = "run.status"
)

// DefaultConsumerGroup is the consumer group shared by stage workers so
// partitions of each stage topic split across worker replicas.
const DefaultConsumerGroup = "regwatch-stage-workers"
