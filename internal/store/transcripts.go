package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vidmind/vidmind/pkg/models"
)

// RegisterTranscript records an existing transcript file in the metadata
// index and returns its metadata. The file must already be on disk.
func (s *Store) RegisterTranscript(filePath, originalSource string, sourceType models.SourceType, sessionID, title string) (models.TranscriptMeta, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return models.TranscriptMeta{}, fmt.Errorf("resolve %s: %w", filePath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.TranscriptMeta{}, fmt.Errorf("stat transcript file: %w", err)
	}
	if sessionID != "" && !ValidSessionID(sessionID) {
		return models.TranscriptMeta{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	meta := models.TranscriptMeta{
		ID:             newTranscriptID(),
		Filename:       filepath.Base(abs),
		FilePath:       abs,
		OriginalSource: originalSource,
		SourceType:     sourceType,
		CreatedAt:      time.Now().UTC(),
		FileSize:       info.Size(),
		SessionID:      sessionID,
		Title:          title,
		Format:         transcriptFormat(abs),
	}

	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	idx, err := s.loadMetadataLocked()
	if err != nil {
		return models.TranscriptMeta{}, err
	}
	idx.Transcripts[meta.ID] = meta
	if err := s.saveMetadataLocked(idx); err != nil {
		return models.TranscriptMeta{}, err
	}
	return meta, nil
}

// GetTranscript returns one transcript's metadata. When the backing file
// has gone missing the record is returned with Missing set rather than
// failing.
func (s *Store) GetTranscript(id string) (models.TranscriptMeta, error) {
	s.metaMu.Lock()
	idx, err := s.loadMetadataLocked()
	s.metaMu.Unlock()
	if err != nil {
		return models.TranscriptMeta{}, err
	}
	meta, ok := idx.Transcripts[id]
	if !ok {
		return models.TranscriptMeta{}, ErrNotFound
	}
	if _, err := os.Stat(meta.FilePath); err != nil {
		meta.Missing = true
	}
	return meta, nil
}

// ListTranscripts returns all transcripts sorted by created_at desc.
func (s *Store) ListTranscripts() ([]models.TranscriptMeta, error) {
	s.metaMu.Lock()
	idx, err := s.loadMetadataLocked()
	s.metaMu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]models.TranscriptMeta, 0, len(idx.Transcripts))
	for _, meta := range idx.Transcripts {
		if _, err := os.Stat(meta.FilePath); err != nil {
			meta.Missing = true
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteTranscript removes the metadata entry and, best effort, the
// backing file. A file that is already gone is not an error.
func (s *Store) DeleteTranscript(id string) (bool, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	idx, err := s.loadMetadataLocked()
	if err != nil {
		return false, err
	}
	meta, ok := idx.Transcripts[id]
	if !ok {
		return false, nil
	}
	delete(idx.Transcripts, id)
	if err := s.saveMetadataLocked(idx); err != nil {
		return false, err
	}
	if err := os.Remove(meta.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove transcript file", "id", id, "path", meta.FilePath, "error", err)
	}
	return true, nil
}

// WriteTranscriptFile writes transcript text under the transcripts
// directory and returns its absolute path.
func (s *Store) WriteTranscriptFile(filename string, content []byte) (string, error) {
	path := filepath.Join(s.transcriptsDir(), filepath.Base(filename))
	if err := WriteFileAtomic(path, content, 0o644); err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

func newTranscriptID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; fall back to a time-derived id.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

func transcriptFormat(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "txt"
	}
	return ext[1:]
}
