package blobstore

import (
	"fmt"
	"time"
)

// Key builders for the artifact layout. Raw fetches are partitioned by
// source and fetch date so retention policies can expire by prefix.

// RawKey is the location of a fetched payload.
func RawKey(sourceID uint, fetchedAt time.Time, sha256hex string) string {
	t := fetchedAt.UTC()
	return fmt.Sprintf("raw/%d/%04d/%02d/%02d/%s.bin",
		sourceID, t.Year(), int(t.Month()), t.Day(), sha256hex)
}

// RawMetaKey is the location of the fetch metadata JSON for a payload.
func RawMetaKey(sha256hex string) string {
	return fmt.Sprintf("raw_meta/%s.json", sha256hex)
}

// ParsedKey is the location of a normalized parsed document.
func ParsedKey(docID, versionID uint) string {
	return fmt.Sprintf("parsed/%d/%d.json", docID, versionID)
}

// DiffKey is the location of the JSON Patch between a version and its
// predecessor.
func DiffKey(docID, versionID uint) string {
	return fmt.Sprintf("diffs/%d/%d.json", docID, versionID)
}
