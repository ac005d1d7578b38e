package storage

import "time"

// CachedDocument describes a document whose page text is stored locally.
type CachedDocument struct {
	FileID    string
	Checksum  string
	PageCount int
	StoredAt  time.Time
}
