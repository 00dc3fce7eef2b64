package types

import "time"

// Blob is a content-addressed, reference-counted large payload used to
// offload oversized event payloads from the relational row.
type Blob struct {
	ID               string    `json:"id"`
	Hash             string    `json:"hash"`
	Bytes            int64     `json:"bytes"`
	MimeType         string    `json:"mimeType"`
	OriginalSize     int64     `json:"originalSize"`
	CompressedSize   int64     `json:"compressedSize"`
	CompressionTag   string    `json:"compressionTag,omitempty"`
	RefCount         int       `json:"refCount"`
	CreatedAt        time.Time `json:"createdAt"`
}
