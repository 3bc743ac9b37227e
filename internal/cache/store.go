package cache

import "time"

// Store is the response cache consumed by the proxy engine. Keys are the
// raw absolute-form request URLs; no normalization is applied, two URLs
// are the same entry iff they are byte-equal.
type Store interface {
	// Get returns a copy of the cached payload and marks the entry as
	// most recently used. The returned slice is owned by the caller.
	Get(url string) ([]byte, bool)

	// Put inserts or replaces the payload for url. Empty URLs, empty
	// payloads and payloads over the configured caps are ignored.
	Put(url string, payload []byte)

	// Size reports the live entry count and their summed payload bytes.
	Size() (count int, bytes int64)

	Stats() Stats

	PurgeAll() int
	PurgeByURL(url string) bool
	PurgeByDomain(domain string) int
}

// Stats holds counters about the store's performance.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	EntryCount    int
	TotalBytes    int64
	UptimeSeconds float64
}

// uptime is shared by both backends.
func uptime(start time.Time) float64 {
	return time.Since(start).Seconds()
}
