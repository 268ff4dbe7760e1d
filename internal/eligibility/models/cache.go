package models

import "time"

// CacheEntry is a memoized outcome for a fingerprint. Entries are immutable;
// a newer entry for the same fingerprint supersedes older ones on lookup.
type CacheEntry struct {
	ID          string
	Fingerprint string
	Outcome     Status
	Source      Source
	CreatedAt   time.Time
}
