// Package asset defines the immutable metadata record for one ingested file
// and the authorization decision shared by the ingestion and retrieval paths.
package asset

import "time"

// Asset describes one committed bundle. Immutable after commit; the whole
// bundle is removed on expiry sweep or explicit revoke.
type Asset struct {
	ID         string
	Sender     string
	Recipient  string
	Filename   string
	MimeType   string
	TotalSize  int64
	ChunkSize  int64
	ChunkCount int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the asset is past its expiry at the given instant.
func (a *Asset) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
