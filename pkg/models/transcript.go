package models

import "time"

// SourceType identifies where a transcript's media came from.
type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceUpload  SourceType = "upload"
	SourceLocal   SourceType = "local"
)

// TranscriptMeta describes a stored transcript. The text itself lives in
// a file under the data directory; this record is kept in the metadata
// index and must always point at FilePath.
type TranscriptMeta struct {
	// ID is an 8-hex identifier.
	ID string `json:"id"`

	// Filename is the base name of the backing file.
	Filename string `json:"filename"`

	// FilePath is the absolute path of the backing file.
	FilePath string `json:"file_path"`

	// OriginalSource is the URL or path the media came from.
	OriginalSource string `json:"original_source"`

	// SourceType classifies the origin.
	SourceType SourceType `json:"source_type"`

	CreatedAt time.Time `json:"created_at"`
	FileSize  int64     `json:"file_size"`

	// SessionID links the transcript to the session that produced it,
	// when there was one.
	SessionID string `json:"session_id,omitempty"`

	Title    string  `json:"title,omitempty"`
	Format   string  `json:"format,omitempty"`
	Duration float64 `json:"duration,omitempty"`

	// Missing is set on read when the backing file no longer exists.
	// It is never persisted.
	Missing bool `json:"missing,omitempty"`
}
