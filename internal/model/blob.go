package model

import (
	"io"
	"time"
)

// Blob is the raw content of a document together with the metadata the
// server sent alongside it.
type Blob struct {
	Data         []byte
	ContentType  string
	Name         string
	LastModified *time.Time
}

// Size returns the length of the blob in bytes.
func (b Blob) Size() int64 { return int64(len(b.Data)) }

// FileUpload is one file handed to the upload endpoints.
type FileUpload struct {
	Name   string
	Reader io.Reader
}
